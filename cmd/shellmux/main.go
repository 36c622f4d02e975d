package main

import (
	"fmt"
	"os"

	"github.com/shellmux/shellmux/internal/config"
	"github.com/shellmux/shellmux/internal/daemon"
	"github.com/shellmux/shellmux/internal/version"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]

	switch command {
	case "start":
		cfgPath, err := config.DefaultPath()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if _, err := config.EnsureExists(cfgPath); err != nil {
			fmt.Fprintf(os.Stderr, "Error checking config: %v\n", err)
			os.Exit(1)
		}

		if err := daemon.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("shellmux daemon started")

	case "stop":
		if err := daemon.Stop(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("shellmux daemon stopped")

	case "status":
		running, url, _, err := daemon.Status()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		if running {
			fmt.Println("shellmux daemon is running")
			fmt.Printf("API: %s\n", url)
		} else {
			fmt.Println("shellmux daemon is not running")
			os.Exit(1)
		}

	case "daemon-run":
		// This is the entry point for the daemon process
		if err := daemon.Run(); err != nil {
			fmt.Fprintf(os.Stderr, "Daemon error: %v\n", err)
			os.Exit(1)
		}

	case "list":
		if err := runList(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

	case "connect":
		serverID := ""
		if len(os.Args) > 2 {
			serverID = os.Args[2]
		}
		if err := runConnect(serverID); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

	case "attach":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "Usage: shellmux attach <session-id>")
			os.Exit(1)
		}
		if err := runAttach(os.Args[2]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

	case "suspend":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "Usage: shellmux suspend <session-id>")
			os.Exit(1)
		}
		if err := runSuspend(os.Args[2]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

	case "close":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "Usage: shellmux close <session-id>")
			os.Exit(1)
		}
		if err := runClose(os.Args[2]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

	case "version", "-v", "--version":
		fmt.Println(version.String())

	case "help", "-h", "--help":
		printUsage()

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("shellmux - remote shell session multiplexer")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  shellmux <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  start              Start the daemon in background")
	fmt.Println("  stop               Stop the daemon")
	fmt.Println("  status             Show daemon status and API URL")
	fmt.Println("  daemon-run         Run the daemon in foreground (for debugging)")
	fmt.Println("  list               List sessions")
	fmt.Println("  connect [server]   Open a session on a server and attach")
	fmt.Println("  attach <session>   Attach the terminal to an existing session")
	fmt.Println("  suspend <session>  Detach a session, keeping tmux alive remotely")
	fmt.Println("  close <session>    Close a session and its remote shell")
	fmt.Println("  version            Print the version")
	fmt.Println("  help               Show this help message")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  shellmux start            # Start the daemon")
	fmt.Println("  shellmux connect build01  # New shell on build01, attached here")
	fmt.Println("  shellmux list             # See open sessions")
}
