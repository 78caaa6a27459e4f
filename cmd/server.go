package cmd

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/goosewin/cotloop/internal/server"
)

var (
	serverHost  string
	serverPort  int
	serverToken string
	serverOpen  bool
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the HTTP status server",
	RunE:  runServer,
}

func init() {
	serverCmd.Flags().StringVarP(&serverHost, "host", "H", "", "Host/IP to bind to (default: server.host or 127.0.0.1)")
	serverCmd.Flags().IntVarP(&serverPort, "port", "p", 0, "Port number (default: server.port or 8080)")
	serverCmd.Flags().StringVarP(&serverToken, "token", "t", "", "Authentication token (default: server.token)")
	serverCmd.Flags().BoolVar(&serverOpen, "open", false, "Disable token requirement (use with caution)")

	rootCmd.AddCommand(serverCmd)
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfigForCwd()
	if err != nil {
		return err
	}

	host := strings.TrimSpace(serverHost)
	if host == "" {
		host = cfg.String("server.host", "127.0.0.1")
	}
	port := serverPort
	if !cmd.Flags().Changed("port") {
		port = cfg.Int("server.port", 8080)
	}
	if port < 1 || port > 65535 {
		return fmt.Errorf("invalid port number: %d", port)
	}
	token := serverToken
	if !cmd.Flags().Changed("token") {
		token = cfg.String("server.token", "")
	}
	open := serverOpen || cfg.Bool("server.open", false)

	if !isLocalhost(host) && token == "" && !open {
		return errors.New("token required when binding to non-localhost address (use --token or --open)")
	}
	if !isLocalhost(host) && open && token == "" {
		fmt.Fprintln(os.Stderr, "Warning: server exposed without authentication (--open flag used)")
		fmt.Fprintln(os.Stderr, "Anyone with network access can view and stop your runs!")
	}

	printServerInfo(host, port, token)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return server.StartServer(ctx, server.Options{
		Host:  host,
		Port:  port,
		Token: token,
		Open:  open,
	})
}

func printServerInfo(host string, port int, token string) {
	fmt.Printf("Starting cotloop status server on %s:%d...\n", host, port)
	fmt.Println("Endpoints:")
	fmt.Println("  GET  /status        - Get all runs")
	fmt.Println("  GET  /status/:name  - Get specific run")
	fmt.Println("  POST /stop/:name    - Stop a run")
	if strings.TrimSpace(token) != "" {
		fmt.Println("Authentication: Bearer token required")
	} else {
		fmt.Println("Authentication: None (use --token to enable)")
	}
	fmt.Println("")
	fmt.Println("Press Ctrl+C to stop")
	fmt.Println("")
}

func isLocalhost(host string) bool {
	switch host {
	case "127.0.0.1", "localhost", "::1":
		return true
	default:
		return false
	}
}
