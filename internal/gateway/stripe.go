package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"

	"github.com/akylbek/payment-system/checkout-reconciler/internal/interfaces"
	"github.com/akylbek/payment-system/checkout-reconciler/internal/models"
)

// ProviderMetaRail is written on every payment intent so a payment intent
// event raised for a checkout session can be told apart from a direct charge.
const ProviderMetaRail = "rail"

var ErrInvalidSignature = errors.New("invalid webhook signature")

// StripeGateway is the direct card/wallet rail backed by payment intents.
type StripeGateway struct {
	api      *client.API
	currency string
}

func NewStripeGateway(api *client.API, currency string) *StripeGateway {
	return &StripeGateway{api: api, currency: currency}
}

func (g *StripeGateway) Rail() models.Rail { return models.RailCard }

func (g *StripeGateway) CreatePayment(ctx context.Context, req models.PaymentRequest) (*models.PaymentHandle, error) {
	currency := req.Currency
	if currency == "" {
		currency = g.currency
	}
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(toMinor(req.Amount)),
		Currency: stripe.String(currency),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	if req.Description != "" {
		params.Description = stripe.String(req.Description)
	}
	if req.CustomerEmail != "" {
		params.ReceiptEmail = stripe.String(req.CustomerEmail)
	}
	params.Context = ctx
	params.SetIdempotencyKey("create-" + req.StagingID)
	params.AddMetadata(models.ProviderMetaStagingID, req.StagingID)
	params.AddMetadata(ProviderMetaRail, string(models.RailCard))
	params.AddMetadata(models.ProviderMetaCustomerID, strconv.FormatInt(req.CustomerID, 10))
	if req.PendingOrderID != "" {
		params.AddMetadata(models.ProviderMetaPendingOrderID, req.PendingOrderID)
	}

	pi, err := g.api.PaymentIntents.New(params)
	if err != nil {
		return nil, fmt.Errorf("create payment intent: %w", err)
	}
	snap := paymentIntentSnapshot(pi)
	return &models.PaymentHandle{
		Reference:      pi.ID,
		ClientSecret:   pi.ClientSecret,
		RequiresAction: pi.Status == stripe.PaymentIntentStatusRequiresAction,
		Status:         snap.Status,
	}, nil
}

func (g *StripeGateway) Retrieve(ctx context.Context, reference string) (*models.PaymentSnapshot, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	pi, err := g.api.PaymentIntents.Get(reference, params)
	if err != nil {
		return nil, wrapStripeErr("retrieve payment intent", reference, err)
	}
	return paymentIntentSnapshot(pi), nil
}

func (g *StripeGateway) Stamp(ctx context.Context, reference, orderID string) error {
	return stampPaymentIntent(ctx, g.api, reference, orderID)
}

func stampPaymentIntent(ctx context.Context, api *client.API, paymentIntentID, orderID string) error {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	params.AddMetadata(models.ProviderMetaOrderID, orderID)
	if _, err := api.PaymentIntents.Update(paymentIntentID, params); err != nil {
		return fmt.Errorf("stamp payment intent %s: %w", paymentIntentID, err)
	}
	return nil
}

func wrapStripeErr(op, reference string, err error) error {
	var serr *stripe.Error
	if errors.As(err, &serr) && serr.HTTPStatusCode == 404 {
		return fmt.Errorf("%s %s: %w", op, reference, interfaces.ErrPaymentNotFound)
	}
	return fmt.Errorf("%s %s: %w", op, reference, err)
}

func paymentIntentSnapshot(pi *stripe.PaymentIntent) *models.PaymentSnapshot {
	snap := &models.PaymentSnapshot{
		Rail:      models.RailCard,
		Reference: pi.ID,
		Amount:    fromMinor(pi.Amount),
		Currency:  string(pi.Currency),
		Metadata:  pi.Metadata,
	}
	if pi.Metadata != nil {
		snap.StagingID = pi.Metadata[models.ProviderMetaStagingID]
		snap.LinkedOrderID = pi.Metadata[models.ProviderMetaOrderID]
		snap.PendingOrderID = pi.Metadata[models.ProviderMetaPendingOrderID]
		if pi.Metadata[ProviderMetaRail] == string(models.RailRedirect) {
			snap.Rail = models.RailRedirect
		}
	}

	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded:
		snap.Status = models.PaymentCaptured
		if pi.AmountReceived > 0 {
			snap.Amount = fromMinor(pi.AmountReceived)
		}
	case stripe.PaymentIntentStatusCanceled:
		snap.Status = models.PaymentCanceled
	case stripe.PaymentIntentStatusRequiresPaymentMethod:
		if pi.LastPaymentError != nil {
			snap.Status = models.PaymentFailed
		} else {
			snap.Status = models.PaymentPending
		}
	default:
		snap.Status = models.PaymentPending
	}
	return snap
}

// StripeCheckoutGateway is the redirect rail backed by hosted checkout
// sessions. The session id is the payment reference.
type StripeCheckoutGateway struct {
	api        *client.API
	currency   string
	successURL string
	cancelURL  string
}

func NewStripeCheckoutGateway(api *client.API, currency, successURL, cancelURL string) *StripeCheckoutGateway {
	return &StripeCheckoutGateway{api: api, currency: currency, successURL: successURL, cancelURL: cancelURL}
}

func (g *StripeCheckoutGateway) Rail() models.Rail { return models.RailRedirect }

func (g *StripeCheckoutGateway) CreatePayment(ctx context.Context, req models.PaymentRequest) (*models.PaymentHandle, error) {
	currency := req.Currency
	if currency == "" {
		currency = g.currency
	}
	name := req.Description
	if name == "" {
		name = "Order " + req.StagingID
	}
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(g.successURL + "?session_id={CHECKOUT_SESSION_ID}"),
		CancelURL:         stripe.String(g.cancelURL),
		ClientReferenceID: stripe.String(req.StagingID),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			Quantity: stripe.Int64(1),
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(currency),
				UnitAmount: stripe.Int64(toMinor(req.Amount)),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(name),
				},
			},
		}},
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
			Metadata: map[string]string{
				models.ProviderMetaStagingID: req.StagingID,
				ProviderMetaRail:             string(models.RailRedirect),
			},
		},
	}
	if req.CustomerEmail != "" {
		params.CustomerEmail = stripe.String(req.CustomerEmail)
	}
	params.Context = ctx
	params.SetIdempotencyKey("session-" + req.StagingID)
	params.AddMetadata(models.ProviderMetaStagingID, req.StagingID)
	params.AddMetadata(models.ProviderMetaCustomerID, strconv.FormatInt(req.CustomerID, 10))

	sess, err := g.api.CheckoutSessions.New(params)
	if err != nil {
		return nil, fmt.Errorf("create checkout session: %w", err)
	}
	return &models.PaymentHandle{
		Reference:   sess.ID,
		RedirectURL: sess.URL,
		Status:      models.PaymentPending,
	}, nil
}

func (g *StripeCheckoutGateway) Retrieve(ctx context.Context, reference string) (*models.PaymentSnapshot, error) {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	params.AddExpand("payment_intent")
	sess, err := g.api.CheckoutSessions.Get(reference, params)
	if err != nil {
		return nil, wrapStripeErr("retrieve checkout session", reference, err)
	}
	return checkoutSessionSnapshot(sess), nil
}

// Stamp writes the order id onto the session's payment intent; sessions
// themselves are immutable once completed.
func (g *StripeCheckoutGateway) Stamp(ctx context.Context, reference, orderID string) error {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	sess, err := g.api.CheckoutSessions.Get(reference, params)
	if err != nil {
		return wrapStripeErr("retrieve checkout session", reference, err)
	}
	if sess.PaymentIntent == nil || sess.PaymentIntent.ID == "" {
		return fmt.Errorf("checkout session %s has no payment intent", reference)
	}
	return stampPaymentIntent(ctx, g.api, sess.PaymentIntent.ID, orderID)
}

func checkoutSessionSnapshot(sess *stripe.CheckoutSession) *models.PaymentSnapshot {
	snap := &models.PaymentSnapshot{
		Rail:      models.RailRedirect,
		Reference: sess.ID,
		Amount:    fromMinor(sess.AmountTotal),
		Currency:  string(sess.Currency),
		Metadata:  sess.Metadata,
		StagingID: sess.ClientReferenceID,
	}
	if sess.Metadata != nil && sess.Metadata[models.ProviderMetaStagingID] != "" {
		snap.StagingID = sess.Metadata[models.ProviderMetaStagingID]
	}
	if pi := sess.PaymentIntent; pi != nil && pi.Metadata != nil {
		snap.LinkedOrderID = pi.Metadata[models.ProviderMetaOrderID]
	}

	switch {
	case sess.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid:
		snap.Status = models.PaymentCaptured
	case sess.Status == stripe.CheckoutSessionStatusExpired:
		snap.Status = models.PaymentCanceled
	default:
		snap.Status = models.PaymentPending
	}
	return snap
}

// StripeWebhooks verifies Stripe-Signature headers and decodes events.
type StripeWebhooks struct {
	secret string
}

func NewStripeWebhooks(secret string) *StripeWebhooks {
	return &StripeWebhooks{secret: secret}
}

func (w *StripeWebhooks) ParseWebhook(payload []byte, signature string) (*models.WebhookEvent, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signature, w.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	out := &models.WebhookEvent{ID: event.ID, Type: models.WebhookEventType(event.Type)}
	if event.Data == nil {
		return out, nil
	}

	switch out.Type {
	case models.EventPaymentSucceeded, models.EventPaymentFailed:
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return nil, fmt.Errorf("decode payment intent in %s: %w", event.ID, err)
		}
		out.Payment = *paymentIntentSnapshot(&pi)
	case models.EventSessionCompleted, models.EventSessionAsyncSucceeded,
		models.EventSessionAsyncFailed, models.EventSessionExpired:
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
			return nil, fmt.Errorf("decode checkout session in %s: %w", event.ID, err)
		}
		out.Payment = *checkoutSessionSnapshot(&sess)
		if out.Type == models.EventSessionAsyncFailed {
			out.Payment.Status = models.PaymentFailed
		}
	}
	return out, nil
}
