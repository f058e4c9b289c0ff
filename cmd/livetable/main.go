// Copyright (C) 2024 Livetable Authors.
// See LICENSE for copying information.

package main

import (
	"context"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/livetable/livetable/internal/sync2"
	"github.com/livetable/livetable/pkg/changelog"
	"github.com/livetable/livetable/pkg/confirm"
	"github.com/livetable/livetable/pkg/cursor"
	"github.com/livetable/livetable/pkg/events"
	"github.com/livetable/livetable/pkg/filter"
	"github.com/livetable/livetable/pkg/mutation"
	"github.com/livetable/livetable/pkg/process"
	"github.com/livetable/livetable/pkg/resource"
	"github.com/livetable/livetable/pkg/rest"
	"github.com/livetable/livetable/pkg/secret"
	"github.com/livetable/livetable/pkg/stream"
	"github.com/livetable/livetable/pkg/subscription"
	"github.com/livetable/livetable/storage"
	"github.com/livetable/livetable/storage/boltdb"
	"github.com/livetable/livetable/storage/redis"
	"github.com/livetable/livetable/storage/storelogger"
)

// Error is the livetable command error class.
var Error = errs.Class("livetable")

var (
	rootCmd = &cobra.Command{
		Use:   "livetable",
		Short: "Declarative live-query resource server",
	}
	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the resource server",
		RunE:  cmdRun,
	}
	setupCmd = &cobra.Command{
		Use:   "setup",
		Short: "Write a default config file",
		RunE:  cmdSetup,
	}
)

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("address", ":8080", "address for the HTTP API")
	flags.String("database", filepath.Join(process.DefaultConfigDir(), "resources.db"), "path of the sqlite resource database")
	flags.String("kv.path", filepath.Join(process.DefaultConfigDir(), "kv.db"), "path of the bolt key-value store")
	flags.String("kv.redis", "", "redis url (redis://host:port?db=n), used instead of bolt when set")
	flags.String("secret", "", "hex-encoded 256-bit signing secret; generated per process when empty, which invalidates cursors and confirm tokens on restart")
	flags.Int64("changelog.retention", changelog.DefaultRetention, "number of changelog entries to retain")
	flags.Duration("changelog.trim-interval", changelog.DefaultTrimInterval, "how often to trim the changelog")
	flags.Duration("cursor.max-age", cursor.DefaultMaxAge, "how long pagination cursors stay valid")
	flags.Duration("confirm.ttl", confirm.DefaultTokenTTL, "how long confirm tokens stay valid")
	flags.Int("confirm.max-affected", confirm.DefaultMaxAffectedRecords, "largest affected set a batch mutation may touch")
	flags.Duration("stream.heartbeat", stream.DefaultHeartbeatInterval, "SSE heartbeat interval")
	flags.Int("stream.max-queue-bytes", stream.DefaultMaxQueueBytes, "per-stream send queue limit before invalidation")
	flags.Int("stream.max-per-user", stream.DefaultMaxPerUser, "concurrent streams allowed per user")
	flags.Int("stream.max-per-ip", stream.DefaultMaxPerIP, "concurrent streams allowed per address")
	flags.Int("rest.page-size", 50, "default list page size")
	flags.Int("rest.max-page-size", 500, "largest allowed list page size")
	flags.Bool("rest.debug-errors", false, "include internal error detail in problem documents")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(setupCmd)
}

func main() {
	process.Execute(rootCmd)
}

func cmdSetup(cmd *cobra.Command, args []string) error {
	path := filepath.Join(process.DefaultConfigDir(), "config.yaml")
	if err := process.SaveConfig(cmd.Root(), path); err != nil {
		return err
	}
	cmd.Println("wrote", path)
	cmd.Println("declare resources under the `resources:` key before running")
	return nil
}

func cmdRun(cmd *cobra.Command, args []string) (err error) {
	ctx, cancel := process.Ctx()
	defer cancel()

	log, err := process.NewLogger()
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() { _ = log.Sync() }()

	if err := process.StartDebug(ctx, log.Named("debug")); err != nil {
		log.Warn("debug endpoints unavailable", zap.Error(err))
	}

	key, err := loadSecret()
	if err != nil {
		return err
	}

	catalog, err := resource.ParseCatalog(viper.GetStringMap("resources"))
	if err != nil {
		return err
	}
	if len(catalog.Names()) == 0 {
		return Error.New("no resources declared, add them under the resources key of the config file")
	}

	store, err := openStore()
	if err != nil {
		return err
	}
	defer func() { err = errs.Combine(err, store.Close()) }()

	db, err := mutation.OpenDB(viper.GetString("database"))
	if err != nil {
		return err
	}
	defer func() { err = errs.Combine(err, db.Close()) }()
	for _, name := range catalog.Names() {
		schema, err := catalog.Get(name)
		if err != nil {
			return err
		}
		if err := mutation.EnsureSchema(ctx, db, schema); err != nil {
			return err
		}
	}

	// the decorated store serves the bookkeeping layers; the router keeps
	// the raw store for pub/sub
	kv := storelogger.New(log.Named("kv"), store)
	filters := filter.NewCache(0, filter.DefaultLimits)
	registry := subscription.NewRegistry(log.Named("subscription"), kv)
	router := events.NewRouter(log.Named("events"), store, registry, catalog, filters, uuid.NewString())
	clog := changelog.New(log.Named("changelog"), kv, viper.GetInt64("changelog.retention"))
	pipeline := mutation.NewPipeline(log.Named("mutation"), db, catalog, clog, router)
	streams := stream.NewManager(log.Named("stream"), registry, router, clog, pipeline, stream.Config{
		HeartbeatInterval: viper.GetDuration("stream.heartbeat"),
		MaxQueueBytes:     viper.GetInt("stream.max-queue-bytes"),
		MaxPerUser:        viper.GetInt("stream.max-per-user"),
		MaxPerIP:          viper.GetInt("stream.max-per-ip"),
	})
	server := rest.NewServer(log.Named("rest"), catalog, pipeline, streams,
		cursor.NewCodec(key, viper.GetDuration("cursor.max-age")),
		confirm.NewManager(key, viper.GetDuration("confirm.ttl"), viper.GetInt("confirm.max-affected")),
		filters, rest.Config{
			Address:         viper.GetString("address"),
			DefaultPageSize: viper.GetInt("rest.page-size"),
			MaxPageSize:     viper.GetInt("rest.max-page-size"),
			DebugErrors:     viper.GetBool("rest.debug-errors"),
		})

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return server.Run(groupCtx)
	})
	if viper.GetString("kv.redis") != "" {
		group.Go(func() error {
			return router.Listen(groupCtx)
		})
	}
	group.Go(func() error {
		trim := sync2.NewCycle(viper.GetDuration("changelog.trim-interval"))
		err := trim.Run(groupCtx, func(ctx context.Context) error {
			if err := clog.Trim(ctx); err != nil {
				log.Warn("changelog trim failed", zap.Error(err))
			}
			return nil
		})
		if errs.Unwrap(err) == context.Canceled {
			return nil
		}
		return err
	})

	log.Info("livetable started",
		zap.Strings("resources", catalog.Names()),
		zap.String("address", viper.GetString("address")))
	return group.Wait()
}

func loadSecret() (*secret.Key, error) {
	if hexKey := viper.GetString("secret"); hexKey != "" {
		return secret.FromHex(hexKey)
	}
	return secret.Generate(), nil
}

func openStore() (storage.Store, error) {
	if address := viper.GetString("kv.redis"); address != "" {
		return redis.NewClientFrom(address)
	}
	return boltdb.New(viper.GetString("kv.path"))
}
