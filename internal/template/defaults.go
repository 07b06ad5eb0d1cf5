package template

import (
	"context"
	"errors"
	"fmt"
)

// DefaultFunctions is the catalogue installed by Seed.
var DefaultFunctions = []Function{
	{Slug: "welcome", DisplayName: "Welcome Email", Description: "Sent once after a user signs up", Category: CategoryAuthentication, RequiredVariables: []string{"userName", "userEmail"}, SendOnce: true},
	{Slug: "password-reset", DisplayName: "Password Reset", Description: "Password reset link", Category: CategoryAuthentication, RequiredVariables: []string{"userName", "resetToken", "resetUrl"}},
	{Slug: "account-verification", DisplayName: "Account Verification", Description: "Verify a new account", Category: CategoryAuthentication, RequiredVariables: []string{"userName", "verificationToken", "verificationUrl"}},
	{Slug: "email-confirmation", DisplayName: "Email Confirmation", Description: "Confirm a changed email address", Category: CategoryAuthentication, RequiredVariables: []string{"userName", "userEmail"}},
	{Slug: "account-deactivation", DisplayName: "Account Deactivation", Description: "Account was deactivated", Category: CategoryAuthentication, RequiredVariables: []string{"userName", "deactivationReason", "reactivationUrl"}},
	{Slug: "password-changed", DisplayName: "Password Changed", Description: "Password change confirmation", Category: CategoryAuthentication, RequiredVariables: []string{"userName", "changedAt", "ipAddress"}},
	{Slug: "login-alert", DisplayName: "Login Alert", Description: "Sign-in from a new device", Category: CategoryAuthentication, RequiredVariables: []string{"userName", "loginTime", "ipAddress", "deviceInfo"}},
	{Slug: "order-confirmation", DisplayName: "Order Confirmation", Description: "Order was placed", Category: CategoryOrders, RequiredVariables: []string{"userName", "orderNumber", "orderTotal", "orderItems"}},
	{Slug: "order-shipped", DisplayName: "Order Shipped", Description: "Order left the warehouse", Category: CategoryOrders, RequiredVariables: []string{"userName", "orderNumber", "trackingNumber", "estimatedDelivery"}},
	{Slug: "order-status-update", DisplayName: "Order Status Update", Description: "Order status changed", Category: CategoryOrders, RequiredVariables: []string{"userName", "orderNumber", "status", "statusDescription"}},
	{Slug: "payment-confirmation", DisplayName: "Payment Confirmation", Description: "Payment was received", Category: CategoryOrders, RequiredVariables: []string{"userName", "orderNumber", "paymentAmount", "paymentMethod"}},
	{Slug: "shipping-notification", DisplayName: "Shipping Notification", Description: "Shipping method and estimate", Category: CategoryOrders, RequiredVariables: []string{"userName", "orderNumber", "shippingMethod", "estimatedDelivery"}},
	{Slug: "newsletter-subscription", DisplayName: "Newsletter Subscription", Description: "Subscription confirmation", Category: CategoryMarketing, RequiredVariables: []string{"userName", "subscriptionType", "unsubscribeUrl"}},
	{Slug: "promotional-offer", DisplayName: "Promotional Offer", Description: "Discount campaign", Category: CategoryMarketing, RequiredVariables: []string{"userName", "offerTitle", "offerDescription", "expiryDate", "discountCode"}},
	{Slug: "system-maintenance", DisplayName: "System Maintenance", Description: "Planned downtime notice", Category: CategoryNotifications, RequiredVariables: []string{"maintenanceType", "startTime", "endTime", "affectedServices"}},
	{Slug: "security-alert", DisplayName: "Security Alert", Description: "Security incident notice", Category: CategoryNotifications, RequiredVariables: []string{"alertType", "severity", "description", "actionRequired"}},
}

// Seed creates every default function that does not exist yet and returns
// how many were added. Existing rows are left untouched.
func Seed(ctx context.Context, repo Repository) (int, error) {
	created := 0
	for _, fn := range DefaultFunctions {
		fn.IsActive = true
		_, err := repo.CreateFunction(ctx, fn)
		if errors.Is(err, ErrConflict) {
			continue
		}
		if err != nil {
			return created, fmt.Errorf("seed %s: %w", fn.Slug, err)
		}
		created++
	}
	return created, nil
}
