package zap

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"relayreel/internal/cache"
	"relayreel/internal/types"
	"relayreel/internal/util"
)

const (
	receiptsKey = "zap:receipts"
	maxReceipts = 500
	// RecentReceipts is how many receipts Recent returns by default.
	RecentReceipts = 20
)

// Split is a share of a zap paid to another lightning address.
type Split struct {
	Address string `json:"address"`
	Msats   int64  `json:"msats"`
}

// Receipt records a zap the user sent.
type Receipt struct {
	ID        string      `json:"id"`
	Event     types.Event `json:"event"`
	Recipient string      `json:"recipient"`
	VideoID   string      `json:"video_id,omitempty"`
	Target    string      `json:"target"`
	Sats      int64       `json:"sats"`
	Splits    []Split     `json:"splits,omitempty"`
	CreatedAt int64       `json:"created_at"`
}

// Parsed is what a zap event says about itself.
type Parsed struct {
	Sats      int64
	Sender    string
	Recipient string
	VideoID   string
	Splits    []Split
}

// ParseZapEvent reads amount, recipient, target video and splits from a
// kind 9735 event.
func ParseZapEvent(evt types.Event) Parsed {
	p := Parsed{
		Sender:    evt.PubKey,
		Recipient: util.GetTagValue(evt.Tags, "p"),
		VideoID:   util.GetTagValue(evt.Tags, "e"),
	}
	if msats, err := strconv.ParseInt(util.GetTagValue(evt.Tags, "amount"), 10, 64); err == nil {
		p.Sats = msats / 1000
	}
	for _, tag := range evt.Tags {
		if len(tag) < 3 || tag[0] != "zap_split" {
			continue
		}
		msats, err := strconv.ParseInt(tag[2], 10, 64)
		if err != nil {
			continue
		}
		p.Splits = append(p.Splits, Split{Address: tag[1], Msats: msats})
	}
	return p
}

// Totals are sats sent, grouped by video and by recipient.
type Totals struct {
	ByVideo map[string]int64 `json:"by_video"`
	ByUser  map[string]int64 `json:"by_user"`
}

// Receipts persists sent zaps in the KV store, newest first.
type Receipts struct {
	store cache.CacheBackend
	mu    sync.Mutex
}

func NewReceipts(store cache.CacheBackend) *Receipts {
	return &Receipts{store: store}
}

func (r *Receipts) load(ctx context.Context) ([]Receipt, error) {
	raw, ok, err := r.store.Get(ctx, receiptsKey)
	if err != nil || !ok {
		return nil, err
	}
	var list []Receipt
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("decode receipts: %w", err)
	}
	return list, nil
}

// Save adds rec, keeping at most the newest maxReceipts.
func (r *Receipts) Save(ctx context.Context, rec Receipt) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	list, err := r.load(ctx)
	if err != nil {
		return err
	}
	list = append(list, rec)
	sort.SliceStable(list, func(i, j int) bool { return list[i].CreatedAt > list[j].CreatedAt })
	list = util.LimitSlice(list, maxReceipts)

	raw, err := json.Marshal(list)
	if err != nil {
		return err
	}
	return r.store.Set(ctx, receiptsKey, raw, 0)
}

// Recent returns up to n receipts, newest first. n <= 0 means RecentReceipts.
func (r *Receipts) Recent(ctx context.Context, n int) ([]Receipt, error) {
	if n <= 0 {
		n = RecentReceipts
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	list, err := r.load(ctx)
	if err != nil {
		return nil, err
	}
	return util.LimitSlice(list, n), nil
}

// Totals sums every stored receipt.
func (r *Receipts) Totals(ctx context.Context) (Totals, error) {
	r.mu.Lock()
	list, err := r.load(ctx)
	r.mu.Unlock()
	if err != nil {
		return Totals{}, err
	}
	t := Totals{ByVideo: make(map[string]int64), ByUser: make(map[string]int64)}
	for _, rec := range list {
		if rec.VideoID != "" {
			t.ByVideo[rec.VideoID] += rec.Sats
		}
		if rec.Recipient != "" {
			t.ByUser[rec.Recipient] += rec.Sats
		}
	}
	return t, nil
}

// TotalFor is the number of sats sent to pubkey.
func (r *Receipts) TotalFor(ctx context.Context, pubkey string) (int64, error) {
	t, err := r.Totals(ctx)
	if err != nil {
		return 0, err
	}
	return t.ByUser[pubkey], nil
}
