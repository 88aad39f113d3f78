package binance

import (
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/aqs-base/ccew/exchange"
	"github.com/aqs-base/ccew/types"
)

func btcusdt() types.Market {
	return types.Market{Exchange: types.Binance, RemoteID: "BTCUSDT", Base: "BTC", Quote: "USDT"}
}

func ethusdt() types.Market {
	return types.Market{Exchange: types.Binance, RemoteID: "ETHUSDT", Base: "ETH", Quote: "USDT"}
}

func TestConnectionTargetComposesStreams(t *testing.T) {
	a := New()
	url, err := a.ConnectionTarget([]exchange.Subscription{
		{Kind: exchange.Trades, Market: btcusdt()},
		{Kind: exchange.Level2Updates, Market: ethusdt()},
		{Kind: exchange.Level2Snapshots, Market: btcusdt()},
	})
	if err != nil {
		t.Fatalf("ConnectionTarget: %v", err)
	}

	const prefix = "wss://stream.binance.com:9443/stream?streams="
	if !strings.HasPrefix(url, prefix) {
		t.Fatalf("unexpected url %s", url)
	}
	streams := strings.Split(strings.TrimPrefix(url, prefix), "/")
	want := []string{"btcusdt@trade", "ethusdt@depth@100ms", "btcusdt@depth20"}
	if len(streams) != len(want) {
		t.Fatalf("streams = %v, want %v", streams, want)
	}
	for i := range want {
		if streams[i] != want[i] {
			t.Errorf("stream[%d] = %s, want %s", i, streams[i], want[i])
		}
	}
}

func TestConnectionTargetRejectsUnsupportedKind(t *testing.T) {
	a := New()
	_, err := a.ConnectionTarget([]exchange.Subscription{
		{Kind: exchange.Level3Updates, Market: btcusdt()},
	})
	if err == nil {
		t.Fatal("expected error for a channel with no stream form")
	}
}

func TestSubscriptionsAreURLEmbedded(t *testing.T) {
	a := New()
	if _, ok := a.SubscribeFrame(exchange.Trades, btcusdt()); ok {
		t.Error("SubscribeFrame must report unsupported")
	}
	if _, ok := a.UnsubscribeFrame(exchange.Trades, btcusdt()); ok {
		t.Error("UnsubscribeFrame must report unsupported")
	}
}

func TestClassifyTrade(t *testing.T) {
	a := New()
	if _, err := a.ConnectionTarget([]exchange.Subscription{
		{Kind: exchange.Trades, Market: btcusdt()},
	}); err != nil {
		t.Fatalf("ConnectionTarget: %v", err)
	}

	raw := []byte(`{"stream":"btcusdt@trade","data":{"e":"trade","E":1700000000100,"s":"BTCUSDT","t":42,"p":"64000.10","q":"0.005","T":1700000000099,"m":true}}`)
	got, err := a.Classify(raw)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if got.Kind != exchange.ClassTrade {
		t.Fatalf("Kind = %v, want trade", got.Kind)
	}
	tr := got.Trade
	if tr.TradeID != "42" || tr.UnixTimeMs != 1700000000099 {
		t.Errorf("id/time = %s/%d", tr.TradeID, tr.UnixTimeMs)
	}
	if tr.Side != types.SideSell {
		t.Errorf("buyer-maker trade must be a sell, got %s", tr.Side)
	}
	if !tr.Price.Equal(decimal.RequireFromString("64000.10")) {
		t.Errorf("price = %s", tr.Price)
	}
	if tr.Base != "BTC" || tr.Quote != "USDT" {
		t.Errorf("pair = %s/%s", tr.Base, tr.Quote)
	}
}

func TestClassifyDepthUpdateCarriesSequenceRange(t *testing.T) {
	a := New()
	if _, err := a.ConnectionTarget([]exchange.Subscription{
		{Kind: exchange.Level2Updates, Market: btcusdt()},
	}); err != nil {
		t.Fatalf("ConnectionTarget: %v", err)
	}

	raw := []byte(`{"stream":"btcusdt@depth@100ms","data":{"e":"depthUpdate","E":1700000000100,"s":"BTCUSDT","U":100,"u":105,"b":[["64000.10","1.5"],["63999.00","0"]],"a":[["64001.00","0.7"]]}}`)
	got, err := a.Classify(raw)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if got.Kind != exchange.ClassL2Update {
		t.Fatalf("Kind = %v, want l2 update", got.Kind)
	}
	upd := got.L2Update
	if upd.SequenceID != 105 || upd.LastSequenceID != 100 {
		t.Errorf("sequence range = %d..%d, want 100..105", upd.LastSequenceID, upd.SequenceID)
	}
	if len(upd.Bids) != 2 || len(upd.Asks) != 1 {
		t.Fatalf("levels = %d bids / %d asks", len(upd.Bids), len(upd.Asks))
	}
	// Size zero marks a level removal and must be passed through.
	if !upd.Bids[1].Size.IsZero() {
		t.Errorf("removal level size = %s, want 0", upd.Bids[1].Size)
	}
}

func TestClassifyPartialDepthSnapshot(t *testing.T) {
	a := New()
	if _, err := a.ConnectionTarget([]exchange.Subscription{
		{Kind: exchange.Level2Snapshots, Market: btcusdt()},
	}); err != nil {
		t.Fatalf("ConnectionTarget: %v", err)
	}

	raw := []byte(`{"stream":"btcusdt@depth20","data":{"lastUpdateId":9001,"bids":[["64000.10","1.5"]],"asks":[["64001.00","0.7"]]}}`)
	got, err := a.Classify(raw)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if got.Kind != exchange.ClassL2Snapshot {
		t.Fatalf("Kind = %v, want l2 snapshot", got.Kind)
	}
	if got.L2Snapshot.SequenceID != 9001 {
		t.Errorf("sequence = %d, want 9001", got.L2Snapshot.SequenceID)
	}
}

func TestClassifyUnknownStreamDropped(t *testing.T) {
	a := New()
	if _, err := a.ConnectionTarget([]exchange.Subscription{
		{Kind: exchange.Trades, Market: btcusdt()},
	}); err != nil {
		t.Fatalf("ConnectionTarget: %v", err)
	}

	raw := []byte(`{"stream":"ethusdt@trade","data":{"e":"trade","t":1,"p":"1","q":"1","T":1,"m":false}}`)
	got, err := a.Classify(raw)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if got.Kind != exchange.Unrecognized {
		t.Errorf("frame for an unsubscribed stream must be unrecognized, got %v", got.Kind)
	}
}

func TestClassifyControlResponse(t *testing.T) {
	a := New()
	got, err := a.Classify([]byte(`{"result":null,"id":7}`))
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if got.Kind != exchange.Unrecognized {
		t.Errorf("control response must be unrecognized, got %v", got.Kind)
	}
}

func TestClassifyMalformedFrame(t *testing.T) {
	a := New()
	if _, err := a.Classify([]byte("not json")); err == nil {
		t.Error("expected an error for a non-JSON frame")
	}
}

func TestResetClearsStreamIndex(t *testing.T) {
	a := New()
	if _, err := a.ConnectionTarget([]exchange.Subscription{
		{Kind: exchange.Trades, Market: btcusdt()},
	}); err != nil {
		t.Fatalf("ConnectionTarget: %v", err)
	}
	a.Reset()

	raw := []byte(`{"stream":"btcusdt@trade","data":{"e":"trade","t":1,"p":"1","q":"1","T":1,"m":false}}`)
	got, err := a.Classify(raw)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if got.Kind != exchange.Unrecognized {
		t.Errorf("frames after reset must be unrecognized, got %v", got.Kind)
	}
}
