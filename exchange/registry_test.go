package exchange_test

import (
	"testing"

	"github.com/aqs-base/ccew/exchange"
	"github.com/aqs-base/ccew/types"

	_ "github.com/aqs-base/ccew/exchange/binance"
	_ "github.com/aqs-base/ccew/exchange/bitfinex"
	_ "github.com/aqs-base/ccew/exchange/gemini"
)

func TestRegisteredCoversImportedAdapters(t *testing.T) {
	got := exchange.Registered()
	want := []types.ExchangeName{types.Binance, types.Bitfinex, types.Gemini}
	if len(got) != len(want) {
		t.Fatalf("Registered() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Registered()[%d] = %s, want %s (sorted)", i, got[i], want[i])
		}
	}
}

func TestNewBuildsDistinctInstances(t *testing.T) {
	a, err := exchange.New(types.Binance)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	b, err := exchange.New(types.Binance)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if a == b {
		t.Error("factories must not share adapter instances")
	}
	if a.Exchange() != types.Binance {
		t.Errorf("Exchange() = %s", a.Exchange())
	}
}

func TestNewUnknownExchange(t *testing.T) {
	if _, err := exchange.New("mtgox"); err == nil {
		t.Error("expected an error for an unregistered exchange")
	}
}

func TestDuplicateRegistrationPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected a panic on duplicate registration")
		}
	}()
	exchange.Register(types.Binance, nil)
}
