// format.go renders prices and quantities at the symbol's precision.
//
// Exchanges reject orders whose price or quantity carries more decimals
// than the symbol allows, so every outbound number passes through here.
// Values are truncated, not rounded: rounding a buy price up can cross the
// book, and rounding a quantity up can exceed the available balance.
package exchange

import (
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"gcb-engine/pkg/types"
)

// Fallback precision when symbol metadata is unavailable.
const (
	fallbackPricePrecision = 6
	fallbackQtyPrecision   = 2
	fallbackMinQuantity    = 0.01
)

// FormatPrice truncates p to the given number of decimals.
func FormatPrice(p float64, precision int) string {
	return decimal.NewFromFloat(p).Truncate(int32(precision)).String()
}

// FormatQty truncates q to the given number of decimals.
func FormatQty(q float64, precision int) string {
	return decimal.NewFromFloat(q).Truncate(int32(precision)).String()
}

// TruncateFloat truncates v to the given number of decimals, as a float.
// Used where strategies need the numeric value that will actually be sent.
func TruncateFloat(v float64, precision int) float64 {
	f, _ := decimal.NewFromFloat(v).Truncate(int32(precision)).Float64()
	return f
}

// precisionCache resolves SymbolInfo for formatting, preferring exchange
// metadata, then per-symbol config overrides, then the (6, 2) fallback.
type precisionCache struct {
	mu        sync.Mutex
	fetched   map[string]types.SymbolInfo
	overrides map[string]types.SymbolInfo
	defPrice  int
	defQty    int
}

func newPrecisionCache(cfg FactoryConfig) *precisionCache {
	defPrice := cfg.DefaultPricePrecision
	if defPrice == 0 {
		defPrice = fallbackPricePrecision
	}
	defQty := cfg.DefaultQtyPrecision
	if defQty == 0 {
		defQty = fallbackQtyPrecision
	}
	overrides := make(map[string]types.SymbolInfo, len(cfg.SymbolPrecision))
	for symbol, info := range cfg.SymbolPrecision {
		overrides[canonSymbol(symbol)] = info
	}
	return &precisionCache{
		fetched:   make(map[string]types.SymbolInfo),
		overrides: overrides,
		defPrice:  defPrice,
		defQty:    defQty,
	}
}

// canonSymbol folds the exchange spellings of one symbol ("gcbusdt",
// "GCB_USDT") onto a single cache key.
func canonSymbol(symbol string) string {
	return strings.ReplaceAll(strings.ToUpper(symbol), "_", "")
}

func (pc *precisionCache) store(symbol string, info types.SymbolInfo) {
	pc.mu.Lock()
	pc.fetched[canonSymbol(symbol)] = info
	pc.mu.Unlock()
}

// resolve never fails; unknown symbols get the configured defaults.
func (pc *precisionCache) resolve(symbol string) types.SymbolInfo {
	key := canonSymbol(symbol)
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if info, ok := pc.fetched[key]; ok {
		return info
	}
	if info, ok := pc.overrides[key]; ok {
		return info
	}
	return types.SymbolInfo{
		Symbol:            symbol,
		PricePrecision:    pc.defPrice,
		QuantityPrecision: pc.defQty,
		MinQuantity:       fallbackMinQuantity,
	}
}
