// Package forensics profiles the taker wallet behind a candidate signal.
// The indexer is the primary source; when it has nothing for an address the
// analyzer falls back to raw chain history. Both paths produce the same
// WalletFingerprint shape, cached in separate keyspaces with separate TTLs.
package forensics

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"polymarket-sentinel/internal/cache"
	"polymarket-sentinel/internal/config"
	"polymarket-sentinel/internal/upstream"
	"polymarket-sentinel/pkg/types"
)

const (
	cacheIndexerPrefix = "sentinel:wallet:indexer:"
	cacheOnchainPrefix = "sentinel:wallet:onchain:"

	fillsFetchLimit = 500
	explorerTxLimit = 500
)

type indexerSource interface {
	ResolveProxy(ctx context.Context, proxy string) (string, error)
	Activity(ctx context.Context, address string) (upstream.UserActivity, error)
	Positions(ctx context.Context, address string) ([]upstream.Position, error)
	Fills(ctx context.Context, address string, limit int) ([]upstream.CLOBFill, error)
}

type chainSource interface {
	AssetTransfers(ctx context.Context, address string, dir upstream.TransferDirection, fromBlock string, categories []string) ([]upstream.AssetTransfer, error)
	FirstTransferTimestamp(ctx context.Context, address string) (*time.Time, error)
}

type explorerSource interface {
	NormalTransactions(ctx context.Context, address string, limit int) ([]upstream.ExplorerTx, error)
}

type counter interface {
	Incr(ctx context.Context, name string)
}

// Analyzer computes wallet fingerprints on demand.
type Analyzer struct {
	cfg      config.ForensicsConfig
	indexer  indexerSource
	chain    chainSource
	explorer explorerSource
	cache    *cache.Client // may be nil, then every fingerprint is live
	stats    counter
	logger   *slog.Logger

	now func() time.Time
}

// New builds the analyzer.
func New(cfg config.ForensicsConfig, indexer indexerSource, chain chainSource,
	explorer explorerSource, cacheClient *cache.Client, stats counter, logger *slog.Logger) *Analyzer {
	return &Analyzer{
		cfg:      cfg,
		indexer:  indexer,
		chain:    chain,
		explorer: explorer,
		cache:    cacheClient,
		stats:    stats,
		logger:   logger.With("component", "forensics"),
		now:      time.Now,
	}
}

// Fingerprint profiles the wallet behind a trade. Flags and confidence are
// always computed fresh against the current trade and market, even when the
// underlying facts come from cache, because fresh-fat-bet depends on both.
func (a *Analyzer) Fingerprint(ctx context.Context, trade types.Trade, market types.Market) (types.WalletFingerprint, error) {
	address, err := a.resolveIdentity(ctx, trade.Wallet)
	if err != nil {
		return types.WalletFingerprint{}, err
	}

	if fp, ok := a.cachedFingerprint(ctx, cacheIndexerPrefix, address); ok {
		a.finish(ctx, &fp, trade, market, 1, false)
		return fp, nil
	}

	fp, hasData := a.indexerFingerprint(ctx, address)
	if hasData {
		sources, agree := 1, false
		if fp.Confidence.UpstreamErrors > 0 {
			// Partial indexer view: run the chain path alongside for
			// calibration, keeping the indexer result as primary.
			if alt, altErr := a.onchainFingerprint(ctx, address); altErr == nil {
				sources = 2
				agree = a.compareVerdicts(ctx, fp, alt, trade, market)
			}
		}
		a.storeFingerprint(ctx, cacheIndexerPrefix, fp, a.subgraphTTL())
		a.finish(ctx, &fp, trade, market, sources, agree)
		a.stats.Incr(ctx, "fingerprints_indexer")
		return fp, nil
	}

	a.stats.Incr(ctx, "indexer_fallback_onchain")
	if fp, ok := a.cachedFingerprint(ctx, cacheOnchainPrefix, address); ok {
		a.finish(ctx, &fp, trade, market, 1, false)
		return fp, nil
	}

	fp, err = a.onchainFingerprint(ctx, address)
	if err != nil {
		return types.WalletFingerprint{}, err
	}
	a.storeFingerprint(ctx, cacheOnchainPrefix, fp, a.onchainTTL())

	sources := 1
	if fp.TradeCount == 0 && fp.FirstSeen == nil {
		// No observable history anywhere.
		sources = 0
	}
	a.finish(ctx, &fp, trade, market, sources, false)
	a.stats.Incr(ctx, "fingerprints_onchain")
	return fp, nil
}

// resolveIdentity maps a possibly-proxy address to its signer. A missing
// mapping is normal for EOAs; a structured failure honors the
// skip-on-proxy-error setting.
func (a *Analyzer) resolveIdentity(ctx context.Context, wallet string) (string, error) {
	signer, err := a.indexer.ResolveProxy(ctx, wallet)
	if err == nil {
		return strings.ToLower(signer), nil
	}
	if types.KindOf(err) == types.KindNotFound {
		a.logger.Info("no proxy mapping, treating address as signer",
			"wallet", types.TruncateAddress(wallet))
		return wallet, nil
	}
	if a.cfg.SkipTradesOnProxyError {
		return "", err
	}
	a.logger.Warn("proxy resolution failed, continuing with raw address",
		"wallet", types.TruncateAddress(wallet), "error", err)
	return wallet, nil
}

// indexerFingerprint runs the three subgraph queries in parallel. The second
// return is false when the indexer has nothing usable for the address, which
// routes the caller to the chain path.
func (a *Analyzer) indexerFingerprint(ctx context.Context, address string) (types.WalletFingerprint, bool) {
	var (
		wg       sync.WaitGroup
		activity upstream.UserActivity
		position []upstream.Position
		fills    []upstream.CLOBFill
		actErr   error
		posErr   error
		fillErr  error
	)
	wg.Add(3)
	go func() {
		defer wg.Done()
		activity, actErr = a.indexer.Activity(ctx, address)
	}()
	go func() {
		defer wg.Done()
		position, posErr = a.indexer.Positions(ctx, address)
	}()
	go func() {
		defer wg.Done()
		fills, fillErr = a.indexer.Fills(ctx, address, fillsFetchLimit)
	}()
	wg.Wait()

	errCount := 0
	for _, err := range []error{actErr, posErr, fillErr} {
		if err != nil {
			errCount++
			a.logger.Warn("indexer query failed", "wallet", types.TruncateAddress(address), "error", err)
		}
	}
	if errCount == 3 {
		return types.WalletFingerprint{}, false
	}
	if len(fills) == 0 && len(position) == 0 && activity.Total() == 0 {
		return types.WalletFingerprint{}, false
	}

	fp := types.WalletFingerprint{
		Address:    address,
		TradeCount: len(fills),
		Source:     types.FingerprintIndexer,
		FetchedAt:  a.now(),
	}
	fp.Confidence.UpstreamErrors = errCount

	volume := decimal.Zero
	var oldest time.Time
	for _, f := range fills {
		volume = volume.Add(f.SizeUSD)
		if oldest.IsZero() || f.Timestamp.Before(oldest) {
			oldest = f.Timestamp
		}
	}
	fp.VolumeUSD = volume
	if !oldest.IsZero() {
		first := oldest
		fp.FirstSeen = &first
		age := a.now().Sub(oldest).Hours() / 24
		fp.AccountAgeDays = &age
	}

	total, largest := decimal.Zero, decimal.Zero
	for _, p := range position {
		if !p.ValueUSD.IsPositive() {
			continue
		}
		total = total.Add(p.ValueUSD)
		if p.ValueUSD.GreaterThan(largest) {
			largest = p.ValueUSD
		}
	}
	if total.IsPositive() {
		pct, _ := largest.Div(total).Mul(decimal.NewFromInt(100)).Float64()
		fp.ConcentrationPct = pct
	}
	fp.MarketsTraded = len(position)

	return fp, true
}

// onchainFingerprint builds the fallback profile from raw transfer history.
// The transaction count is the unique hash set over inbound plus outbound
// transfers; the RPC nonce only counts sent transactions and would undercount
// every wallet that mostly receives.
func (a *Analyzer) onchainFingerprint(ctx context.Context, address string) (types.WalletFingerprint, error) {
	in, inErr := a.chain.AssetTransfers(ctx, address, upstream.TransfersIn, "", upstream.TransferCategoriesAll)
	out, outErr := a.chain.AssetTransfers(ctx, address, upstream.TransfersOut, "", upstream.TransferCategoriesAll)
	if inErr != nil && outErr != nil {
		return types.WalletFingerprint{}, inErr
	}

	fp := types.WalletFingerprint{
		Address:   address,
		Source:    types.FingerprintOnChain,
		FetchedAt: a.now(),
	}

	hashes := make(map[string]bool)
	volume := decimal.Zero
	for _, t := range append(in, out...) {
		hashes[strings.ToLower(t.Hash)] = true
		if strings.EqualFold(t.Asset, "USDC") {
			volume = volume.Add(decimal.NewFromFloat(t.Value))
		}
	}
	fp.TradeCount = len(hashes)
	fp.VolumeUSD = volume

	first, firstErr := a.chain.FirstTransferTimestamp(ctx, address)
	if first != nil {
		fp.FirstSeen = first
		age := a.now().Sub(*first).Hours() / 24
		fp.AccountAgeDays = &age
	}

	// CEX funded when exchange inflows make up at least the configured share
	// of all inflows inside the window.
	cutoff := a.now().AddDate(0, 0, -a.cfg.CEXFundingWindowDays)
	totalIn, cexIn := decimal.Zero, decimal.Zero
	for _, t := range in {
		if !t.Time().After(cutoff) {
			continue
		}
		v := decimal.NewFromFloat(t.Value)
		totalIn = totalIn.Add(v)
		if _, ok := CEXName(t.From); ok {
			cexIn = cexIn.Add(v)
		}
	}
	if cexIn.IsPositive() && totalIn.IsPositive() {
		share, _ := cexIn.Div(totalIn).Mul(decimal.NewFromInt(100)).Float64()
		fp.CEXFunded = share >= a.cfg.MinNetflowPercentage
	}

	var explorerErr error
	if a.explorer != nil {
		txs, err := a.explorer.NormalTransactions(ctx, address, explorerTxLimit)
		explorerErr = err
		contracts := make(map[string]bool)
		for _, tx := range txs {
			if tx.IsError == "1" || tx.MethodID() == "" || tx.To == "" {
				continue
			}
			to := strings.ToLower(tx.To)
			if !isVenueContract(to) {
				contracts[to] = true
			}
		}
		fp.ProtocolCount = len(contracts)
	}

	for _, err := range []error{inErr, outErr, firstErr, explorerErr} {
		if err != nil {
			fp.Confidence.UpstreamErrors++
		}
	}
	return fp, nil
}

// compareVerdicts logs the AGREE/DISAGREE record for parallel scoring and
// reports whether the two paths reach the same suspicion verdict.
func (a *Analyzer) compareVerdicts(ctx context.Context, primary, alt types.WalletFingerprint, trade types.Trade, market types.Market) bool {
	primary.Flags = computeFlags(a.cfg, primary, trade, market)
	alt.Flags = computeFlags(a.cfg, alt, trade, market)
	agree := primary.Suspicious() == alt.Suspicious()

	verdict := "DISAGREE"
	counterName := "parallel_disagree"
	if agree {
		verdict = "AGREE"
		counterName = "parallel_agree"
	}
	a.stats.Incr(ctx, counterName)
	a.logger.Info("parallel scoring",
		"wallet", types.TruncateAddress(primary.Address), "verdict", verdict,
		"indexer_flags", primary.Flags.Count(), "onchain_flags", alt.Flags.Count())
	return agree
}

// finish computes the trade-contextual pieces: flags, completeness,
// freshness, and the calibrated confidence envelope.
func (a *Analyzer) finish(ctx context.Context, fp *types.WalletFingerprint, trade types.Trade, market types.Market, sources int, agree bool) {
	fp.Flags = computeFlags(a.cfg, *fp, trade, market)
	fp.Confidence.Completeness = completeness(*fp)
	if !fp.FetchedAt.IsZero() {
		fp.Confidence.FreshnessMinutes = a.now().Sub(fp.FetchedAt).Minutes()
	}
	a.calibrate(ctx, fp, sources, agree)
}

func (a *Analyzer) cachedFingerprint(ctx context.Context, prefix, address string) (types.WalletFingerprint, bool) {
	if a.cache == nil {
		return types.WalletFingerprint{}, false
	}
	data, err := a.cache.GetJSON(ctx, prefix+address)
	if err != nil {
		return types.WalletFingerprint{}, false
	}
	var fp types.WalletFingerprint
	if json.Unmarshal(data, &fp) != nil {
		return types.WalletFingerprint{}, false
	}
	// Keep the facts, reset the envelope; it is recomputed for this trade.
	fp.Confidence = types.ConfidenceEnvelope{FromCache: true}
	a.stats.Incr(ctx, "fingerprint_cache_hits")
	return fp, true
}

func (a *Analyzer) storeFingerprint(ctx context.Context, prefix string, fp types.WalletFingerprint, ttl time.Duration) {
	if a.cache == nil || ttl <= 0 {
		return
	}
	data, err := json.Marshal(fp)
	if err != nil {
		return
	}
	if err := a.cache.SetJSON(ctx, prefix+fp.Address, data, ttl); err != nil {
		a.logger.Debug("fingerprint cache write failed",
			"wallet", types.TruncateAddress(fp.Address), "error", err)
	}
}

func (a *Analyzer) subgraphTTL() time.Duration {
	return time.Duration(a.cfg.SubgraphCacheTTLHours) * time.Hour
}

func (a *Analyzer) onchainTTL() time.Duration {
	return time.Duration(a.cfg.OnChainCacheTTLHours) * time.Hour
}
