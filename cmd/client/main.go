package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/aeolun/chatrelay/pkg/client"
	"github.com/aeolun/chatrelay/pkg/client/ui"
	tea "github.com/charmbracelet/bubbletea"
)

var (
	// Version is set at build time via ldflags
	Version = "dev"
)

func main() {
	configPath := flag.String("config", client.DefaultConfigPath(), "Path to config file")
	server := flag.String("server", "", "Server base URL, e.g. http://localhost:3001 (overrides config)")
	username := flag.String("user", "", "Username (overrides config)")
	password := flag.String("password", "", "Password (prompted when empty, or set CHATRELAY_PASSWORD)")
	register := flag.Bool("register", false, "Create the account before logging in")
	notify := flag.Bool("notify", false, "Desktop notification when someone @mentions you")
	debugLog := flag.String("debug-log", "", "Write connection debug log to this file")
	version := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *version {
		fmt.Printf("chatrelay client %s\n", Version)
		os.Exit(0)
	}

	cfg, err := client.LoadClientConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *server != "" {
		cfg.Connection.Server = *server
	}
	if *username != "" {
		cfg.Account.Username = *username
	}
	if *notify {
		cfg.UI.Notify = true
	}

	api, err := client.NewAPI(cfg.Connection.Server)
	if err != nil {
		log.Fatalf("Invalid server: %v", err)
	}

	stdin := bufio.NewReader(os.Stdin)
	user := cfg.Account.Username
	if user == "" {
		if user, err = client.PromptLine(stdin, os.Stdout, "Username: "); err != nil {
			log.Fatalf("Failed to read username: %v", err)
		}
	}
	pass := *password
	if pass == "" {
		pass = os.Getenv("CHATRELAY_PASSWORD")
	}
	if pass == "" {
		if pass, err = client.PromptPassword(stdin, os.Stdout, "Password: "); err != nil {
			log.Fatalf("Failed to read password: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if *register {
		if err := api.Register(ctx, user, pass); err != nil {
			log.Fatalf("Registration failed: %v", err)
		}
		fmt.Printf("Registered %s\n", user)
	}

	login, err := api.Login(ctx, user, pass)
	if err != nil {
		if client.IsUnauthorized(err) {
			log.Fatalf("Login failed: wrong username or password (use -register to create an account)")
		}
		log.Fatalf("Login failed: %v", err)
	}

	conn := client.NewConnection(api.WebSocketURL(), login.Token)
	conn.SetReconnect(cfg.Connection.AutoReconnect, time.Duration(cfg.Connection.ReconnectDelaySeconds)*time.Second)
	if *debugLog != "" {
		f, err := os.OpenFile(*debugLog, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			log.Fatalf("Failed to open debug log: %v", err)
		}
		defer f.Close()
		conn.SetLogger(log.New(f, "[conn] ", log.LstdFlags|log.Lmicroseconds))
	} else {
		conn.SetLogger(log.New(io.Discard, "", 0))
	}

	if err := conn.Connect(ctx); err != nil {
		log.Fatalf("Failed to connect to %s: %v", api.WebSocketURL(), err)
	}
	defer conn.Close()

	model := ui.NewModel(conn, ui.Options{
		Username:        login.Username,
		ServerURL:       api.BaseURL(),
		Notify:          cfg.UI.Notify,
		ShowTimestamps:  cfg.UI.ShowTimestamps,
		TimestampFormat: cfg.UI.TimestampFormat,
	})
	p := tea.NewProgram(model, tea.WithAltScreen())

	final, err := p.Run()
	if err != nil {
		fmt.Printf("Error running program: %v\n", err)
		os.Exit(1)
	}
	if m, ok := final.(ui.Model); ok && m.SessionEnded() {
		conn.Close()
		fmt.Println("Session ended by the server: signed in elsewhere, or the token was rejected.")
	}
}
