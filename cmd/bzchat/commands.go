// commands.go contains the cobra command definitions and their flag
// configurations. Each builder wires a command to its handler in handlers.go.
package main

import (
	"github.com/spf13/cobra"

	"github.com/bazaarhq/realtime/pkg/models"
)

func buildTailCmd() *cobra.Command {
	var (
		configPath string
		rooms      []string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Follow rooms live, printing messages as they arrive",
		Example: `  # Follow one conversation
  bzchat tail --room conv-42

  # Follow several rooms with debug logging
  bzchat tail --room conv-42 --room community-7 --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTail(cmd.Context(), resolveConfigPath(configPath), rooms, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().StringArrayVarP(&rooms, "room", "r", nil, "Room to follow (repeatable)")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	cmd.MarkFlagRequired("room")

	return cmd
}

func buildSendCmd() *cobra.Command {
	var (
		configPath string
		room       string
	)

	cmd := &cobra.Command{
		Use:   "send [content]",
		Short: "Send a message and wait for delivery confirmation",
		Args:  cobra.ExactArgs(1),
		Example: `  bzchat send --room conv-42 "price confirmed, shipping monday"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSend(cmd.Context(), resolveConfigPath(configPath), room, args[0])
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().StringVarP(&room, "room", "r", "", "Target room")
	cmd.MarkFlagRequired("room")

	return cmd
}

func buildHistoryCmd() *cobra.Command {
	var (
		configPath string
		room       string
		page       int
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print a page of room history",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(cmd.Context(), resolveConfigPath(configPath), room, page)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().StringVarP(&room, "room", "r", "", "Room to read")
	cmd.Flags().IntVarP(&page, "page", "p", 1, "History page (1 = most recent)")
	cmd.MarkFlagRequired("room")

	return cmd
}

func buildRoomsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rooms",
		Short: "Manage rooms",
	}
	cmd.AddCommand(buildRoomsListCmd(), buildRoomsCreateCmd(), buildRoomsJoinCmd(), buildRoomsLeaveCmd())
	return cmd
}

func buildRoomsListCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the rooms this user belongs to",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRoomsList(cmd.Context(), resolveConfigPath(configPath))
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	return cmd
}

func buildRoomsCreateCmd() *cobra.Command {
	var (
		configPath string
		kind       string
		name       string
		members    []string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a direct conversation or community",
		Example: `  bzchat rooms create --kind direct --member seller-17
  bzchat rooms create --kind community --name "produce importers"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRoomsCreate(cmd.Context(), resolveConfigPath(configPath),
				models.RoomKind(kind), name, members)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().StringVarP(&kind, "kind", "k", string(models.RoomDirect), "Room kind: direct or community")
	cmd.Flags().StringVarP(&name, "name", "n", "", "Room name (communities)")
	cmd.Flags().StringArrayVarP(&members, "member", "m", nil, "Member user id (repeatable)")

	return cmd
}

func buildRoomsJoinCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "join [room-id]",
		Short: "Join a community",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRoomsJoin(cmd.Context(), resolveConfigPath(configPath), args[0])
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	return cmd
}

func buildRoomsLeaveCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "leave [room-id]",
		Short: "Leave a room",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRoomsLeave(cmd.Context(), resolveConfigPath(configPath), args[0])
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	return cmd
}
