// Package zap requests Lightning invoices over LNURL-pay and records the zaps
// the user sends.
package zap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"relayreel/internal/nips"
	"relayreel/internal/util"
)

const lnurlHTTPTimeout = 10 * time.Second

// maxLNURLBody caps the size of LNURL responses read into memory.
const maxLNURLBody = 64 << 10

var (
	ErrInvalidAddress = errors.New("invalid lightning address")
	ErrBlockedURL     = errors.New("url not allowed")
	ErrAmountRange    = errors.New("amount outside sendable range")
)

// PayInfo is the first LNURL-pay response.
type PayInfo struct {
	Callback    string `json:"callback"`
	MinSendable int64  `json:"minSendable"`
	MaxSendable int64  `json:"maxSendable"`
	Metadata    string `json:"metadata"`
	Tag         string `json:"tag"`
	AllowsNostr bool   `json:"allowsNostr"`
	NostrPubkey string `json:"nostrPubkey"`
}

type payResponse struct {
	PR string `json:"pr"`
}

type lnurlStatus struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

// Client talks to LNURL-pay endpoints.
type Client struct {
	HTTP *http.Client
	// AllowPrivate permits loopback and private targets.
	AllowPrivate bool
}

func NewClient() *Client {
	return &Client{HTTP: &http.Client{
		Timeout: lnurlHTTPTimeout,
		Transport: &http.Transport{
			MaxIdleConns:          10,
			IdleConnTimeout:       30 * time.Second,
			TLSHandshakeTimeout:   5 * time.Second,
			ResponseHeaderTimeout: 5 * time.Second,
			DialContext: (&net.Dialer{
				Timeout:   5 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
		},
	}}
}

// ValidateExternalURL rejects URLs that would reach internal services.
func ValidateExternalURL(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBlockedURL, err)
	}
	if parsed.Scheme != "https" && parsed.Scheme != "http" {
		return fmt.Errorf("%w: scheme %q", ErrBlockedURL, parsed.Scheme)
	}
	host := parsed.Hostname()
	if host == "" || util.IsPrivateHost(host) || host == "0.0.0.0" {
		return fmt.Errorf("%w: internal host", ErrBlockedURL)
	}
	if ip := net.ParseIP(host); ip != nil {
		if ip.IsPrivate() || ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
			return fmt.Errorf("%w: private address", ErrBlockedURL)
		}
	}
	return nil
}

// PayURL turns a lightning address, an lnurl1 string or a plain URL into
// the LNURL-pay endpoint.
func PayURL(target string) (string, error) {
	target = strings.TrimSpace(target)
	switch {
	case strings.HasPrefix(strings.ToLower(target), "lightning:"):
		return PayURL(target[len("lightning:"):])
	case strings.HasPrefix(strings.ToLower(target), "lnurl1"):
		u, err := nips.DecodeLNURL(target)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidAddress, err)
		}
		return u, nil
	case strings.HasPrefix(target, "https://") || strings.HasPrefix(target, "http://"):
		return target, nil
	}

	user, domain, ok := strings.Cut(target, "@")
	if !ok || user == "" || domain == "" || strings.ContainsAny(domain, "/?#@") {
		return "", ErrInvalidAddress
	}
	return fmt.Sprintf("https://%s/.well-known/lnurlp/%s", domain, strings.ToLower(user)), nil
}

func (c *Client) check(rawURL string) error {
	if c.AllowPrivate {
		return nil
	}
	return ValidateExternalURL(rawURL)
}

// FetchPayInfo reads the pay parameters behind an LNURL-pay endpoint.
func (c *Client) FetchPayInfo(ctx context.Context, payURL string) (*PayInfo, error) {
	if err := c.check(payURL); err != nil {
		return nil, err
	}
	body, err := c.get(ctx, payURL)
	if err != nil {
		return nil, fmt.Errorf("fetch lnurl: %w", err)
	}

	var info PayInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("parse lnurl response: %w", err)
	}
	if info.Tag != "payRequest" {
		return nil, fmt.Errorf("unexpected lnurl tag %q", info.Tag)
	}
	if info.Callback == "" {
		return nil, errors.New("lnurl missing callback")
	}
	if info.MinSendable <= 0 || info.MaxSendable < info.MinSendable {
		return nil, errors.New("lnurl missing amount limits")
	}
	return &info, nil
}

// RequestInvoice asks the callback for a bolt11 invoice of amountMsats.
func (c *Client) RequestInvoice(ctx context.Context, info *PayInfo, amountMsats int64) (string, error) {
	if amountMsats < info.MinSendable || amountMsats > info.MaxSendable {
		return "", fmt.Errorf("%w: %d msats not in [%d, %d]", ErrAmountRange, amountMsats, info.MinSendable, info.MaxSendable)
	}
	if err := c.check(info.Callback); err != nil {
		return "", err
	}
	callback, err := url.Parse(info.Callback)
	if err != nil {
		return "", fmt.Errorf("invalid callback: %w", err)
	}
	q := callback.Query()
	q.Set("amount", strconv.FormatInt(amountMsats, 10))
	callback.RawQuery = q.Encode()

	body, err := c.get(ctx, callback.String())
	if err != nil {
		return "", fmt.Errorf("fetch invoice: %w", err)
	}
	var resp payResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("parse invoice response: %w", err)
	}
	if resp.PR == "" {
		return "", errors.New("callback returned empty invoice")
	}
	return resp.PR, nil
}

// FetchInvoice resolves target and requests an invoice for sats.
func (c *Client) FetchInvoice(ctx context.Context, target string, sats int64) (string, error) {
	payURL, err := PayURL(target)
	if err != nil {
		return "", err
	}
	info, err := c.FetchPayInfo(ctx, payURL)
	if err != nil {
		return "", err
	}
	return c.RequestInvoice(ctx, info, sats*1000)
}

func (c *Client) get(ctx context.Context, rawURL string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, lnurlHTTPTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxLNURLBody))
	if err != nil {
		return nil, err
	}
	var status lnurlStatus
	if json.Unmarshal(body, &status) == nil && strings.EqualFold(status.Status, "ERROR") {
		return nil, fmt.Errorf("lnurl error: %s", status.Reason)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	return body, nil
}
