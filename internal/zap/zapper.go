package zap

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"relayreel/internal/nostr"
	"relayreel/internal/types"
)

// DefaultHostSplit is the share of each zap sent to the host address.
const DefaultHostSplit = 0.01

// ErrPaymentFailed is returned when the payment endpoint refuses an invoice.
var ErrPaymentFailed = errors.New("payment failed")

// Publisher signs and broadcasts an event template.
type Publisher interface {
	Publish(ctx context.Context, tmpl types.EventTemplate) (types.Event, error)
}

// Payer hands an invoice to whatever pays it.
type Payer interface {
	Pay(ctx context.Context, invoice string, zapEvent *types.Event) error
}

// Bolt11Payer posts invoices to the bolt11 payment endpoint.
type Bolt11Payer struct {
	Endpoint string
	HTTP     *http.Client
}

type payRequest struct {
	Invoice string       `json:"invoice"`
	Nostr   *types.Event `json:"nostr,omitempty"`
}

func (p *Bolt11Payer) Pay(ctx context.Context, invoice string, zapEvent *types.Event) error {
	body, err := json.Marshal(payRequest{Invoice: invoice, Nostr: zapEvent})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	client := p.HTTP
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPaymentFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: status %d: %s", ErrPaymentFailed, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

// Zapper sends zaps: it requests the invoice, announces the zap, pays the
// optional host split and then the invoice, and records a receipt.
type Zapper struct {
	lnurl    *Client
	pub      Publisher
	payer    Payer
	receipts *Receipts

	// HostAddress receives HostSplit of every zap when set.
	HostAddress string
	HostSplit   float64
	Now         func() time.Time
}

func NewZapper(lnurl *Client, pub Publisher, payer Payer, receipts *Receipts) *Zapper {
	return &Zapper{lnurl: lnurl, pub: pub, payer: payer, receipts: receipts, HostSplit: DefaultHostSplit, Now: time.Now}
}

// Zap sends sats to the lightning target of recipient. videoID may be empty.
func (z *Zapper) Zap(ctx context.Context, target string, sats int64, recipient, videoID string) (Receipt, error) {
	if sats <= 0 {
		return Receipt{}, fmt.Errorf("%w: %d sats", ErrAmountRange, sats)
	}
	invoice, err := z.lnurl.FetchInvoice(ctx, target, sats)
	if err != nil {
		return Receipt{}, fmt.Errorf("request invoice: %w", err)
	}

	msats := sats * 1000
	tags := [][]string{
		{"p", recipient},
		{"bolt11", invoice},
		{"amount", strconv.FormatInt(msats, 10)},
	}
	if videoID != "" {
		tags = append(tags, []string{"e", videoID})
	}

	hostInvoice, hostMsats := z.hostInvoice(ctx, msats)
	if hostInvoice != "" {
		tags = append(tags, []string{"zap_split", z.HostAddress, strconv.FormatInt(hostMsats, 10)})
	}

	evt, err := z.pub.Publish(ctx, types.EventTemplate{
		Kind:      types.KindZap,
		CreatedAt: z.Now().Unix(),
		Tags:      tags,
		Content:   "",
	})
	if err != nil {
		return Receipt{}, fmt.Errorf("publish zap: %w", err)
	}

	var splits []Split
	if hostInvoice != "" {
		if err := z.payer.Pay(ctx, hostInvoice, nil); err != nil {
			slog.Warn("host split payment failed", "address", z.HostAddress, "error", err)
		} else {
			splits = append(splits, Split{Address: z.HostAddress, Msats: hostMsats})
		}
	}
	if err := z.payer.Pay(ctx, invoice, &evt); err != nil {
		return Receipt{}, err
	}

	rec := Receipt{
		ID:        evt.ID,
		Event:     evt,
		Recipient: recipient,
		VideoID:   videoID,
		Target:    target,
		Sats:      sats,
		Splits:    splits,
		CreatedAt: evt.CreatedAt,
	}
	if err := z.receipts.Save(ctx, rec); err != nil {
		slog.Warn("zap receipt not saved", "event_id", nostr.ShortID(evt.ID), "error", err)
	}
	slog.Info("zap sent", "event_id", nostr.ShortID(evt.ID), "sats", sats, "splits", len(splits))
	return rec, nil
}

// hostInvoice fetches the host's share. Shares under one sat are skipped.
func (z *Zapper) hostInvoice(ctx context.Context, msats int64) (string, int64) {
	if z.HostAddress == "" || z.HostSplit <= 0 {
		return "", 0
	}
	hostMsats := int64(float64(msats) * z.HostSplit)
	hostSats := hostMsats / 1000
	if hostSats <= 0 {
		return "", 0
	}
	inv, err := z.lnurl.FetchInvoice(ctx, z.HostAddress, hostSats)
	if err != nil {
		slog.Warn("host split skipped", "address", z.HostAddress, "error", err)
		return "", 0
	}
	return inv, hostMsats
}

// Totals sums the stored receipts.
func (z *Zapper) Totals(ctx context.Context) (Totals, error) {
	return z.receipts.Totals(ctx)
}
