// main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	ossignal "os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/petervdpas/medcall/internal/call"
	"github.com/petervdpas/medcall/internal/config"
	"github.com/petervdpas/medcall/internal/gateway"
	"github.com/petervdpas/medcall/internal/media"
	"github.com/petervdpas/medcall/internal/signal"
	"github.com/petervdpas/medcall/internal/store"
	"github.com/petervdpas/medcall/internal/util"
)

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("medcall v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	args := flag.Args()
	if len(args) == 0 {
		showUsage()
		os.Exit(1)
	}

	switch args[0] {
	case "serve":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: serve command requires directory path")
			fmt.Fprintln(os.Stderr, "Usage: medcall serve <directory>")
			os.Exit(1)
		}
		runServe(args[1])

	case "doctor":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: doctor command requires directory path")
			fmt.Fprintln(os.Stderr, "Usage: medcall doctor <directory> [patient-name]")
			os.Exit(1)
		}
		patientName := "patient"
		if len(args) > 2 {
			patientName = args[2]
		}
		runDoctor(args[1], patientName)

	case "patient":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "Error: patient command requires directory and session ID")
			fmt.Fprintln(os.Stderr, "Usage: medcall patient <directory> <session-id>")
			os.Exit(1)
		}
		runPatient(args[1], args[2])

	case "demo":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: demo command requires directory path")
			fmt.Fprintln(os.Stderr, "Usage: medcall demo <directory>")
			os.Exit(1)
		}
		runDemo(args[1])

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", args[0])
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}
}

// loadDir resolves the working directory and its medcall.json config,
// writing defaults on first use.
func loadDir(dirArg string) (string, string, *config.Config) {
	absDir, err := filepath.Abs(dirArg)
	if err != nil {
		log.Fatalf("Invalid directory: %v", err)
	}
	if err := os.MkdirAll(absDir, 0o755); err != nil {
		log.Fatalf("Cannot create directory %s: %v", absDir, err)
	}

	cfgPath := filepath.Join(absDir, "medcall.json")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		if err := config.Save(cfgPath, cfg); err != nil {
			log.Fatalf("Failed to write config: %v", err)
		}
	}
	return absDir, cfgPath, cfg
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	ossignal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("\nShutting down gracefully...")
		cancel()
	}()
	return ctx, cancel
}

// runServe hosts the signaling gateway over the directory's local database.
func runServe(dirArg string) {
	absDir, cfgPath, cfg := loadDir(dirArg)
	printBanner(absDir, cfgPath, cfg, "gateway")

	st, err := store.Open(util.ResolvePath(absDir, cfg.Store.Dir))
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer st.Close()

	ctx, cancel := signalContext()
	defer cancel()

	srv := gateway.New(cfg.Gateway.Bind, st)
	if err := srv.Start(ctx); err != nil {
		log.Fatalf("Gateway failed: %v", err)
	}
	fmt.Printf("Clients connect with gateway_url: %s\n", srv.URL())
	<-ctx.Done()
	srv.Close()
}

// openClientStore returns the remote store when a gateway URL is configured,
// otherwise the directory-local database (single-machine setups and tests).
func openClientStore(absDir string, cfg *config.Config) signal.Store {
	retry := util.Backoff{
		Attempts: cfg.Call.RetryAttempts,
		Base:     time.Duration(cfg.Call.RetryBaseMs) * time.Millisecond,
		Max:      4 * time.Second,
	}
	if cfg.Store.GatewayURL != "" {
		st, err := store.Dial(cfg.Store.GatewayURL, retry)
		if err != nil {
			log.Fatalf("Failed to reach gateway: %v", err)
		}
		return st
	}
	st, err := store.Open(util.ResolvePath(absDir, cfg.Store.Dir))
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	return st
}

func newAgent(cfg *config.Config, st signal.Store, role signal.Role, name string) *call.Agent {
	return call.NewAgent(st, media.NewPion(cfg.Call.ICEServers), call.Options{
		Role:        role,
		DisplayName: name,
		Constraints: media.Constraints{
			Video:     true,
			Audio:     true,
			MaxWidth:  cfg.Call.MaxWidth,
			MaxHeight: cfg.Call.MaxHeight,
		},
		HandshakeTimeout: cfg.Call.HandshakeTimeout(),
		Retry: util.Backoff{
			Attempts: cfg.Call.RetryAttempts,
			Base:     time.Duration(cfg.Call.RetryBaseMs) * time.Millisecond,
			Max:      4 * time.Second,
		},
		ChatHistory: cfg.Call.ChatHistory,
	})
}

// runDoctor creates a session, prints its ID for the patient, and joins.
func runDoctor(dirArg, patientName string) {
	absDir, cfgPath, cfg := loadDir(dirArg)
	printBanner(absDir, cfgPath, cfg, "doctor")

	st := openClientStore(absDir, cfg)
	defer st.Close()

	ctx, cancel := signalContext()
	defer cancel()

	agent := newAgent(cfg, st, signal.RoleDoctor, "doctor")
	wireConsole(agent)

	id, err := agent.CreateSession(ctx, patientName)
	if err != nil {
		log.Fatalf("Create session failed: %v", err)
	}
	fmt.Println("┌─────────────────────────────────────────────────────┐")
	fmt.Printf("│ Session ID: %s\n", id)
	fmt.Println("│ Share it with the patient:")
	fmt.Printf("│   medcall patient <directory> %s\n", id)
	fmt.Println("└─────────────────────────────────────────────────────┘")

	if err := agent.Join(ctx); err != nil {
		log.Fatalf("Join failed: %v", err)
	}

	runUntilDone(ctx, agent)
}

// runPatient attaches to an existing session and joins once the offer lands.
func runPatient(dirArg, sessionID string) {
	absDir, cfgPath, cfg := loadDir(dirArg)
	printBanner(absDir, cfgPath, cfg, "patient")

	st := openClientStore(absDir, cfg)
	defer st.Close()

	ctx, cancel := signalContext()
	defer cancel()

	agent := newAgent(cfg, st, signal.RolePatient, "patient")
	wireConsole(agent)

	offerReady := make(chan struct{}, 1)
	go func() {
		// Join as soon as the observed record carries the offer.
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(200 * time.Millisecond):
			}
			if rec := agent.Session(); rec != nil && rec.Offer != nil {
				offerReady <- struct{}{}
				return
			}
		}
	}()

	if err := agent.Attach(sessionID); err != nil {
		log.Fatalf("Attach failed: %v", err)
	}

	select {
	case <-ctx.Done():
		agent.End(context.Background())
		return
	case <-offerReady:
	}
	if err := agent.Join(ctx); err != nil {
		log.Fatalf("Join failed: %v", err)
	}

	runUntilDone(ctx, agent)
}

// runDemo drives both roles in-process against the local store: a loopback
// consultation that exercises the full handshake and chat on one machine.
func runDemo(dirArg string) {
	absDir, cfgPath, cfg := loadDir(dirArg)
	printBanner(absDir, cfgPath, cfg, "demo")

	st, err := store.Open(util.ResolvePath(absDir, cfg.Store.Dir))
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer st.Close()

	ctx, cancel := signalContext()
	defer cancel()

	doctor := newAgent(cfg, st, signal.RoleDoctor, "doctor")
	patient := newAgent(cfg, st, signal.RolePatient, "patient")
	wireConsole(doctor)

	id, err := doctor.CreateSession(ctx, "demo patient")
	if err != nil {
		log.Fatalf("Create session failed: %v", err)
	}
	if err := patient.Attach(id); err != nil {
		log.Fatalf("Attach failed: %v", err)
	}
	if err := doctor.Join(ctx); err != nil {
		log.Fatalf("Doctor join failed: %v", err)
	}

	// Patient joins as soon as the offer lands in its observed record.
	for {
		if rec := patient.Session(); rec != nil && rec.Offer != nil {
			break
		}
		select {
		case <-ctx.Done():
			doctor.End(context.Background())
			patient.End(context.Background())
			return
		case <-time.After(100 * time.Millisecond):
		}
	}
	if err := patient.Join(ctx); err != nil {
		log.Fatalf("Patient join failed: %v", err)
	}

	if err := patient.SendChat(ctx, "loopback says hello"); err != nil {
		log.Printf("Chat failed: %v", err)
	}

	<-ctx.Done()
	doctor.End(context.Background())
	patient.End(context.Background())
}

// wireConsole logs agent events; a real client renders these instead.
func wireConsole(agent *call.Agent) {
	agent.OnConnectivity(func(cs media.ConnState) {
		log.Printf("UI: transport %s", cs)
	})
	agent.OnRemoteTrack(func(ti media.TrackInfo) {
		log.Printf("UI: remote %s track (%s)", ti.Kind, ti.ID)
	})
	agent.OnChatMessage(func(m signal.ChatMessage) {
		log.Printf("UI: [%s] %s: %s", util.FormatStamp(m.SentAt), m.SenderName, m.Text)
	})
}

// runUntilDone blocks until the call reaches a terminal state or the process
// is interrupted, then ends the call.
func runUntilDone(ctx context.Context, agent *call.Agent) {
	done := make(chan struct{}, 1)
	var mu sync.Mutex
	var connectedAt time.Time
	agent.OnStateChange(func(s call.State) {
		log.Printf("UI: call state → %s", s)
		mu.Lock()
		if s == call.StateConnected && connectedAt.IsZero() {
			connectedAt = time.Now()
		}
		started := connectedAt
		mu.Unlock()
		if s.Terminal() {
			if !started.IsZero() {
				log.Printf("UI: call duration %s", util.FormatClock(time.Since(started)))
			}
			select {
			case done <- struct{}{}:
			default:
			}
		}
	})
	select {
	case <-ctx.Done():
		if err := agent.End(context.Background()); err != nil {
			log.Printf("End failed: %v", err)
		}
	case <-done:
	}
}

func showUsage() {
	fmt.Println("medcall - video consultation signaling")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  medcall serve <directory>                 Host the signaling gateway")
	fmt.Println("  medcall doctor <directory> [patient]      Create a session and join as doctor")
	fmt.Println("  medcall patient <directory> <session-id>  Attach to a session as patient")
	fmt.Println("  medcall demo <directory>                  Loopback call, both roles in-process")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve <directory>")
	fmt.Println("        Run the websocket gateway over the directory's database")
	fmt.Println("        The directory's medcall.json sets the bind address")
	fmt.Println()
	fmt.Println("  doctor <directory> [patient-name]")
	fmt.Println("        Create a session, print its ID and join the call")
	fmt.Println()
	fmt.Println("  patient <directory> <session-id>")
	fmt.Println("        Attach to the session and join once the offer arrives")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -version  Show version information")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  # Host a gateway")
	fmt.Println("  medcall serve ./server")
	fmt.Println()
	fmt.Println("  # Doctor on one machine (gateway_url set in medcall.json)")
	fmt.Println("  medcall doctor ./doctor")
	fmt.Println()
	fmt.Println("  # Patient on another")
	fmt.Println("  medcall patient ./patient 2f6c…")
}

func printBanner(dir, cfgPath string, cfg *config.Config, mode string) {
	fmt.Println("╔════════════════════════════════════════════════════════╗")
	fmt.Println("║                    medcall runner                      ║")
	fmt.Println("╚════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("Directory:   %s\n", dir)
	fmt.Printf("Config File: %s\n", cfgPath)
	fmt.Printf("Mode:        %s\n", mode)
	if mode == "gateway" {
		fmt.Printf("Bind:        %s\n", cfg.Gateway.Bind)
	} else if cfg.Store.GatewayURL != "" {
		fmt.Printf("Gateway:     %s\n", cfg.Store.GatewayURL)
	} else {
		fmt.Printf("Store:       %s (local)\n", cfg.Store.Dir)
	}
	fmt.Println()
	fmt.Println("Starting... (Press Ctrl+C to stop)")
	fmt.Println("────────────────────────────────────────────────────────")
	fmt.Println()
}
