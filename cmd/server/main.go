package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gakuenhub-backend/lib/configutil"
	"gakuenhub-backend/lib/telemetry"
	"gakuenhub-backend/services/api"
	"gakuenhub-backend/services/classroom"
	"gakuenhub-backend/services/monitor"
	"gakuenhub-backend/services/push"
	"gakuenhub-backend/services/studentdata"

	"github.com/spf13/cobra"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

var (
	configPath *string
	verbose    *bool
)

func init() {
	configPath = rootCmd.Flags().String("config", "config.json5", "Path to the server config file.")
	verbose = rootCmd.Flags().BoolP("verbose", "v", false, "Enable verbose logging.")
}

var rootCmd = &cobra.Command{
	Use:   "gakuenhub-server",
	Short: "gakuenhub-server serves aggregated campus portal data and schedules push reminders.",
	Run: func(cmd *cobra.Command, args []string) {
		run(cmd.Context())
	},
}

// returns a context that lives until SIGINT/SIGTERM
func signalContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		cancel()
	}()

	return ctx
}

func fatal(message string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", message, err)
	os.Exit(1)
}

func run(ctx context.Context) {
	telemetry.InitSlog(*verbose)
	tel, err := telemetry.SetupFromEnv(ctx, "gakuenhub-server")
	if err != nil {
		fatal("setup telemetry", err)
	}
	defer tel.Shutdown(context.Background())

	cfg, err := configutil.ReadConfig[Config](*configPath)
	if err != nil {
		fatal("read config", err)
	}
	if cfg.Port == 0 {
		cfg.Port = 8000
	}

	database, err := cfg.Database.open()
	if err != nil {
		fatal("open database", err)
	}
	defer database.Close()

	classroomClient := classroom.NewClient(database, classroom.Options{
		ClientID:     cfg.Classroom.ClientId,
		ClientSecret: cfg.Classroom.ClientSecret,
	})
	students := studentdata.NewService(database, studentdata.Options{
		BaseURL:   cfg.PortalUrl,
		Classroom: classroomClient,
	})

	var sender push.Sender = logSender{}
	if cfg.Push.WebhookUrl != "" {
		sender = newWebhookSender(cfg.Push.WebhookUrl)
	}
	queue := push.NewService(ctx, database, push.Options{
		Sender:  sender,
		Windows: cfg.Push.windows(),
	})
	monitor.NewService(ctx, students, queue, monitor.Options{})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      h2c.NewHandler(api.New(students, classroomClient).Handler(), &http2.Server{}),
		ReadTimeout:  time.Second * 30,
		WriteTimeout: time.Second * 60,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	err = server.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		fatal("listen", err)
	}
}

func main() {
	ctx := signalContext()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
