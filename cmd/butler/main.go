package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/hrygo/butler/automation"
	"github.com/hrygo/butler/events"
	"github.com/hrygo/butler/internal/profile"
	"github.com/hrygo/butler/internal/version"
	"github.com/hrygo/butler/metrics"
	"github.com/hrygo/butler/pipeline"
	"github.com/hrygo/butler/plugin/apps"
	"github.com/hrygo/butler/plugin/apps/openai"
	"github.com/hrygo/butler/plugin/channels/email"
	"github.com/hrygo/butler/plugin/channels/telegram"
	"github.com/hrygo/butler/plugin/channels/twilio"
	"github.com/hrygo/butler/plugin/channels/whatsapp"
	"github.com/hrygo/butler/plugin/pms"
	"github.com/hrygo/butler/server"
	"github.com/hrygo/butler/server/auth"
	"github.com/hrygo/butler/server/ws"
	"github.com/hrygo/butler/store"
	"github.com/hrygo/butler/store/db"
)

var rootCmd = &cobra.Command{
	Use:   "butler",
	Short: "A self-hosted conversational assistant for hotel guest messaging.",
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		// systemd units carry their environment in the unit file; only
		// direct invocations read .env.
		if os.Getenv("INVOCATION_ID") == "" {
			_ = godotenv.Load()
		}
		return nil
	},
	Run: func(_ *cobra.Command, _ []string) {
		instanceProfile := &profile.Profile{
			Mode:        viper.GetString("mode"),
			Addr:        viper.GetString("addr"),
			Port:        viper.GetInt("port"),
			Data:        viper.GetString("data"),
			DSN:         viper.GetString("dsn"),
			InstanceURL: viper.GetString("instance-url"),
			Version:     version.GetCurrentVersion(viper.GetString("mode")),
		}
		instanceProfile.FromEnv()
		if err := instanceProfile.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
			os.Exit(1)
		}

		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: instanceProfile.SlogLevel(),
		})))

		if err := run(instanceProfile); err != nil {
			slog.Error("server exited with error", "error", err)
			os.Exit(1)
		}
	},
}

func run(p *profile.Profile) error {
	ctx, stop := signal.NotifyContext(context.Background(), terminationSignals...)
	defer stop()

	driver, err := db.NewDBDriver(p)
	if err != nil {
		return err
	}
	st := store.New(driver, p)
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return err
	}

	bus := events.NewBus()
	defer bus.Close()
	m := metrics.New()

	registry := apps.NewRegistry(st)
	openai.Register(registry)
	twilio.Register(registry)
	whatsapp.Register(registry)
	email.Register(registry)
	telegram.Register(registry)
	pms.Register(registry)
	if err := registry.LoadAll(ctx); err != nil {
		return err
	}

	var responder pipeline.Responder
	if registry.ActiveCompletionProvider() != nil {
		responder = pipeline.NewAIResponder(registry, st)
	} else {
		slog.Warn("no language model configured, replies will echo")
		responder = pipeline.EchoResponder{}
	}
	pipe := pipeline.New(st, bus, responder).WithMetrics(m)

	engine := automation.NewEngine(st, bus, automation.NewActionDispatcher(st, bus, registry)).WithMetrics(m)
	engine.Start(ctx)

	syncer := pms.NewSyncer(st, bus, registry)
	syncer.Start(ctx)

	signer := auth.NewSigner(p.JWTSecret)
	hub := ws.NewHub(signer).WithMetrics(m)
	chat := ws.NewChatGateway(pipe).WithMetrics(m)
	if host := instanceHost(p.InstanceURL); host != "" {
		hub = hub.WithOriginPatterns(host)
		chat = chat.WithOriginPatterns(host)
	}
	bridge := events.NewStatsBridge(bus, st, hub)
	hub.SetStatsFlusher(bridge)
	notifier := newStaffNotifier(hub)
	bus.SubscribeAll(notifier.forward)

	srv := server.NewServer(p, st, pipe, registry, hub, chat, m)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		hub.RunHeartbeat(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		srv.Shutdown(context.Background())
		return nil
	})

	printGreetings(p)
	return g.Wait()
}

// instanceHost extracts the host the instance is reachable on, used as the
// allowed websocket origin for cross-origin browser clients.
func instanceHost(instanceURL string) string {
	if instanceURL == "" {
		return ""
	}
	u, err := url.Parse(instanceURL)
	if err != nil || u.Host == "" {
		return ""
	}
	return u.Host
}

// staffNotifier relays domain events to the staff console.
type staffNotifier struct {
	hub *ws.Hub
}

func newStaffNotifier(hub *ws.Hub) *staffNotifier {
	return &staffNotifier{hub: hub}
}

func (n *staffNotifier) forward(evt events.Event) {
	switch evt.Type {
	case events.ConversationEscalated, events.StaffNotification,
		events.TaskCreated, events.TaskAssigned:
		n.hub.Broadcast(string(evt.Type), evt.Payload)
	}
}

func init() {
	viper.SetDefault("mode", "dev")
	viper.SetDefault("port", 28080)

	rootCmd.PersistentFlags().String("mode", "dev", `mode of server, can be "prod" or "dev" or "demo"`)
	rootCmd.PersistentFlags().String("addr", "", "address of server")
	rootCmd.PersistentFlags().Int("port", 28080, "port of server")
	rootCmd.PersistentFlags().String("data", "", "data directory")
	rootCmd.PersistentFlags().String("dsn", "", "database source name (aka DSN)")
	rootCmd.PersistentFlags().String("instance-url", "", "the externally reachable url of this instance")

	for _, flag := range []string{"mode", "addr", "port", "data", "dsn", "instance-url"} {
		if err := viper.BindPFlag(flag, rootCmd.PersistentFlags().Lookup(flag)); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("butler")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
}

func printGreetings(p *profile.Profile) {
	fmt.Printf("Butler %s started\n", p.Version)
	if p.IsDev() {
		fmt.Fprintf(os.Stderr, "Development mode is enabled\nDatabase: %s\n", p.DSN)
	}
	fmt.Printf("Data directory: %s\n", p.Data)
	if p.Addr == "" {
		fmt.Printf("Listening on port %d\n", p.Port)
	} else {
		fmt.Printf("Listening on %s:%d\n", p.Addr, p.Port)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
