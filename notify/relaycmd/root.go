package relaycmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const shutdownTimeout = 30 * time.Second

func ExecuteContext(ctx context.Context) error {
	return NewRootCmd().ExecuteContext(ctx)
}

// NewRootCmd builds the relayd command tree around its own viper instance
func NewRootCmd() *cobra.Command {
	v := newViper()
	var cfgFile string

	root := &cobra.Command{
		Use:           "relayd",
		Short:         "Background change notification relay",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cfgFile == "" {
				return nil
			}
			v.SetConfigFile(cfgFile)
			return v.ReadInConfig()
		},
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	bindString(v, root, "log-level", "log.level", "logging level")
	bindString(v, root, "store-driver", "store.driver", "config store backend: bbolt, diskv, afero or gorm")
	bindString(v, root, "store-path", "store.path", "bbolt file or diskv/afero directory")
	bindString(v, root, "store-dsn", "store.dsn", "postgres dsn of the gorm store")

	root.AddCommand(newServeCmd(v), newConfigCmd(v))
	return root
}

func bindString(v *viper.Viper, cmd *cobra.Command, flag, key, usage string) {
	cmd.PersistentFlags().String(flag, v.GetString(key), usage)
	cobra.CheckErr(v.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)))
}

func newServeCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay and its http control surface",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadConfig(v)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			app := NewApp(cfg)
			if err := app.Err(); err != nil {
				return fmt.Errorf("building relayd: %w", err)
			}
			app.Run()
			return nil
		},
	}
	f := cmd.Flags()
	f.String("source-driver", v.GetString("source.driver"), "change source: memory, etcd or postgres")
	f.StringSlice("etcd-endpoints", v.GetStringSlice("source.etcd.endpoints"), "etcd endpoints of the etcd source")
	f.String("etcd-prefix", v.GetString("source.etcd.prefix"), "folder holding one sub folder per type")
	f.String("postgres-dsn", "", "postgres dsn of the postgres source")
	f.String("postgres-channel-prefix", v.GetString("source.postgres.channel_prefix"), "prefix of LISTEN channels")
	f.Duration("ack-grace", v.GetDuration("relay.ack_grace"), "delay before a change is acknowledged to the source")
	f.Int("pending-limit", v.GetInt("relay.pending_limit"), "changes kept while no listener is attached")
	f.Bool("resume", false, "start the relay on boot when a configuration is persisted")
	f.String("frequency", v.GetString("relay.frequency"), "background delivery frequency: immediate, hourly, daily or weekly")
	f.String("addr", v.GetString("server.addr"), "http listen address")
	f.String("tls-addr", "", "https listen address")
	f.String("cert-file", "", "tls certificate file")
	f.String("key-file", "", "tls key file")
	f.String("jwt-secret", "", "HS256 secret protecting the relay api")
	f.Bool("debug-fire", false, "expose the fire endpoint of the memory source")
	cobra.CheckErr(cmd.MarkFlagFilename("cert-file", "pem", "crt"))
	cobra.CheckErr(cmd.MarkFlagFilename("key-file", "pem", "key"))

	for flag, key := range map[string]string{
		"source-driver":           "source.driver",
		"etcd-endpoints":          "source.etcd.endpoints",
		"etcd-prefix":             "source.etcd.prefix",
		"postgres-dsn":            "source.postgres.dsn",
		"postgres-channel-prefix": "source.postgres.channel_prefix",
		"ack-grace":               "relay.ack_grace",
		"pending-limit":           "relay.pending_limit",
		"resume":                  "relay.resume_on_boot",
		"frequency":               "relay.frequency",
		"addr":                    "server.addr",
		"tls-addr":                "server.tls_addr",
		"cert-file":               "server.cert_file",
		"key-file":                "server.key_file",
		"jwt-secret":              "server.jwt_secret",
		"debug-fire":              "server.debug_fire",
	} {
		cobra.CheckErr(v.BindPFlag(key, f.Lookup(flag)))
	}
	return cmd
}

func newConfigCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadConfig(v)
			if err != nil {
				return err
			}
			if cfg.Server.JwtSecret != "" {
				cfg.Server.JwtSecret = "******"
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(cfg)
		},
	}
}

// NewApp assembles relayd, extra options are appended after the module
func NewApp(cfg Config, extra ...fx.Option) *fx.App {
	opts := []fx.Option{
		fx.RecoverFromPanics(),
		fx.WithLogger(func(l *zap.Logger) fxevent.Logger {
			el := &fxevent.ZapLogger{Logger: l.Named("fx")}
			el.UseLogLevel(zapcore.DebugLevel)
			return el
		}),
		fx.StopTimeout(shutdownTimeout),
		fx.Supply(cfg),
		Module,
	}
	return fx.New(append(opts, extra...)...)
}
