package app

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"strings"
	"time"

	s3blob "github.com/Najnomics/lvr-auction-avs/internal/blob/s3"
	"github.com/Najnomics/lvr-auction-avs/internal/cache/memory"
	"github.com/Najnomics/lvr-auction-avs/internal/cache/redis"
	"github.com/Najnomics/lvr-auction-avs/internal/chain"
	"github.com/Najnomics/lvr-auction-avs/internal/config"
	"github.com/Najnomics/lvr-auction-avs/internal/crypto"
	"github.com/Najnomics/lvr-auction-avs/internal/domain"
	"github.com/Najnomics/lvr-auction-avs/internal/monitor"
	"github.com/Najnomics/lvr-auction-avs/internal/notify"
	"github.com/Najnomics/lvr-auction-avs/internal/pricefeed"
	"github.com/Najnomics/lvr-auction-avs/internal/store/postgres"
)

// Dependencies bundles everything the application modes need to operate. It
// is constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	// Chain access. Tasks doubles as the operator registry; Oracle is nil
	// unless an oracle address is configured.
	Chain  *chain.Client
	Tasks  *chain.TaskManager
	Oracle domain.PriceOracle

	// Operator identity. Nil/empty unless a key is configured.
	Signer          *crypto.Signer
	OperatorAddress string

	// Price monitoring. Streams are the WebSocket feeds that push into the
	// monitor's cache alongside its own polling loops.
	Monitor *monitor.Monitor
	Streams []*pricefeed.WSFeed

	// Aggregator shared state. Nil when Redis is disabled; the engine then
	// keeps finalized-task state in process only.
	Finalized domain.FinalizedCache
	Bus       domain.EventBus

	// Audit stores. Nil when the database is disabled.
	ConsensusStore domain.ConsensusStore
	ResponseStore  domain.ResponseStore

	// Cold storage for settled history. Nil when archival is disabled.
	Archiver domain.Archiver

	// Notifications. Nil when no channel is configured.
	Notifier *notify.Notifier
}

// needsChain reports whether the mode talks to the task manager contract.
func needsChain(mode string) bool {
	return mode != "monitor"
}

// needsAggregator reports whether the mode runs the consensus side.
func needsAggregator(mode string) bool {
	return mode == "aggregator" || mode == "full"
}

// needsMonitor reports whether the mode watches external prices.
func needsMonitor(mode string) bool {
	return mode != "aggregator"
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config) (*Dependencies, func(), error) {
	logger := slog.Default()
	mode := strings.ToLower(cfg.Mode)

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- Operator key ---
	// Loaded whenever configured, not just for signing modes: the
	// aggregator needs it to settle consensus on-chain.
	var operatorKey *ecdsa.PrivateKey
	if cfg.Operator.PrivateKey != "" || cfg.Operator.EncryptedKeyPath != "" {
		key, addr, err := crypto.LoadOperatorKey(crypto.KeyConfig{
			RawPrivateKey:    cfg.Operator.PrivateKey,
			EncryptedKeyPath: cfg.Operator.EncryptedKeyPath,
			KeyPassword:      cfg.Operator.KeyPassword,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("wire: operator key: %w", err)
		}
		operatorKey = key
		deps.Signer = crypto.NewSigner(key)
		deps.OperatorAddress = addr.Hex()
	}

	// --- Chain client and task manager ---
	if needsChain(mode) {
		client, err := chain.Dial(ctx, cfg.Chain.RPCURL, cfg.Chain.ChainID)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: chain: %w", err)
		}
		closers = append(closers, client.Close)
		deps.Chain = client

		tasks, err := chain.NewTaskManager(client, cfg.Chain.TaskManagerAddress, operatorKey)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: task manager: %w", err)
		}
		deps.Tasks = tasks

		if cfg.Chain.PriceOracleAddress != "" {
			oracle, err := chain.NewPriceOracle(client, cfg.Chain.PriceOracleAddress)
			if err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: price oracle: %w", err)
			}
			deps.Oracle = oracle
		}
	}

	// --- Price monitor and feeds ---
	if needsMonitor(mode) {
		mon, streams, err := buildMonitor(cfg, deps.Oracle, logger)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: monitor: %w", err)
		}
		deps.Monitor = mon
		deps.Streams = streams
	}

	// --- Redis (aggregator shared state) ---
	if cfg.Redis.Enabled && needsAggregator(mode) {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.Finalized = redis.NewFinalizedCache(redisClient)
		deps.Bus = redis.NewEventBus(redisClient)
	}

	// --- PostgreSQL (audit stores) ---
	if cfg.Database.Enabled && needsAggregator(mode) {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Database.DSN,
			Host:     cfg.Database.Host,
			Port:     cfg.Database.Port,
			Database: cfg.Database.Database,
			User:     cfg.Database.User,
			Password: cfg.Database.Password,
			SSLMode:  cfg.Database.SSLMode,
			MaxConns: cfg.Database.PoolMaxConns,
			MinConns: cfg.Database.PoolMinConns,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Database.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}

		pool := pgClient.Pool()
		deps.ConsensusStore = postgres.NewConsensusStore(pool)
		deps.ResponseStore = postgres.NewResponseStore(pool)
	}

	// --- S3 (cold storage for settled history) ---
	if cfg.Archive.Enabled && needsAggregator(mode) {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.Archive.Endpoint,
			Region:         cfg.Archive.Region,
			Bucket:         cfg.Archive.Bucket,
			AccessKey:      cfg.Archive.AccessKey,
			SecretKey:      cfg.Archive.SecretKey,
			UseSSL:         cfg.Archive.UseSSL,
			ForcePathStyle: cfg.Archive.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		deps.Archiver = s3blob.NewArchiver(
			s3blob.NewWriter(s3Client),
			deps.ConsensusStore,
			deps.ResponseStore,
			logger,
		)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	if len(senders) > 0 {
		deps.Notifier = notify.New(senders, cfg.Notify.Events, logger)
	}

	return deps, cleanup, nil
}

// oraclePollInterval between on-chain price reads. Blocks are the floor on
// oracle freshness, so polling faster buys nothing.
const oraclePollInterval = 15 * time.Second

// oracleSource adapts the on-chain oracle into a feed source so the monitor
// compares external prices against the pool's own view.
type oracleSource struct {
	oracle domain.PriceOracle
}

func (o oracleSource) Name() string { return "onchain" }

func (o oracleSource) FetchPrice(ctx context.Context, pair domain.TokenPair) (domain.PriceObservation, error) {
	price, err := o.oracle.GetPrice(ctx, pair.Token0, pair.Token1)
	if err != nil {
		return domain.PriceObservation{}, err
	}
	observedAt, err := o.oracle.LastUpdateTime(ctx, pair.Token0, pair.Token1)
	if err != nil {
		return domain.PriceObservation{}, err
	}
	return domain.PriceObservation{
		Token0:     pair.Token0,
		Token1:     pair.Token1,
		Price:      price,
		Source:     "onchain",
		ObservedAt: observedAt,
	}, nil
}

// buildMonitor assembles the price monitor and its WebSocket feeds from the
// configured feeds and pools. A non-nil oracle is polled alongside the
// external feeds.
func buildMonitor(cfg *config.Config, oracle domain.PriceOracle, logger *slog.Logger) (*monitor.Monitor, []*pricefeed.WSFeed, error) {
	pools := make(map[string]domain.TokenPair)
	bySymbol := make(map[string]domain.TokenPair)
	var active []domain.TokenPair

	for _, p := range cfg.Pools {
		if !p.Active {
			continue
		}
		pair := domain.TokenPair{
			Token0:   p.Token0,
			Token1:   p.Token1,
			Symbol:   p.Symbol,
			Decimals: p.Decimals,
			IsActive: true,
		}
		pools[p.PoolID] = pair
		bySymbol[p.Symbol] = pair
		active = append(active, pair)
	}

	type streamSpec struct {
		name  string
		wsURL string
		pairs []domain.TokenPair
	}
	var polling []monitor.Feed
	var streams []streamSpec

	for _, fc := range cfg.Feeds {
		pairs, err := resolvePairs(fc, bySymbol, active)
		if err != nil {
			return nil, nil, err
		}
		if fc.Streaming {
			streams = append(streams, streamSpec{name: fc.Name, wsURL: fc.WSURL, pairs: pairs})
			continue
		}
		polling = append(polling, monitor.Feed{
			Source: pricefeed.NewClient(pricefeed.Config{
				Name:   fc.Name,
				URL:    fc.URL,
				APIKey: fc.APIKey,
			}),
			Interval: fc.Interval.Duration,
			Pairs:    pairs,
		})
	}

	if oracle != nil {
		polling = append(polling, monitor.Feed{
			Source:   oracleSource{oracle: oracle},
			Interval: oraclePollInterval,
			Pairs:    active,
		})
	}

	mon := monitor.New(polling, pools, memory.NewPriceCache(), logger)

	wsFeeds := make([]*pricefeed.WSFeed, 0, len(streams))
	for _, s := range streams {
		wsFeeds = append(wsFeeds, pricefeed.NewWSFeed(s.name, s.wsURL, s.pairs, mon.HandleObservation, logger))
	}
	return mon, wsFeeds, nil
}

// resolvePairs maps a feed's configured pool symbols to trading pairs. An
// empty list means every active pool.
func resolvePairs(fc config.FeedConfig, bySymbol map[string]domain.TokenPair, active []domain.TokenPair) ([]domain.TokenPair, error) {
	if len(fc.Pairs) == 0 {
		return active, nil
	}
	pairs := make([]domain.TokenPair, 0, len(fc.Pairs))
	for _, symbol := range fc.Pairs {
		pair, ok := bySymbol[symbol]
		if !ok {
			return nil, fmt.Errorf("feed %s: unknown pool symbol %q", fc.Name, symbol)
		}
		pairs = append(pairs, pair)
	}
	return pairs, nil
}
