package main

import (
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/anrak-dev/anrak/internal/viewer"
)

func main() {
	var (
		server string
		pin    string
		name   string
	)

	root := &cobra.Command{
		Use:   "anrak-viewer",
		Short: "Read-only terminal viewer for an ANRAK session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if pin == "" {
				return fmt.Errorf("--pin is required")
			}
			m := viewer.New(server, pin, name)
			_, err := tea.NewProgram(m, tea.WithAltScreen()).Run()
			return err
		},
	}
	root.Flags().StringVarP(&server, "server", "s", "ws://localhost:8080/ws", "relay WebSocket URL")
	root.Flags().StringVarP(&pin, "pin", "p", "", "6-digit session PIN")
	root.Flags().StringVarP(&name, "name", "n", "viewer", "display name")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
