package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/steveyegge/pilot/internal/bus"
	"github.com/steveyegge/pilot/internal/style"
)

var busCmd = &cobra.Command{
	Use:     "bus",
	GroupID: GroupAgents,
	Short:   "Send and read messages on the inter-agent bus",
}

var (
	busSendToRole    string
	busSendToAgent   string
	busSendBroadcast bool
	busSendData      string

	busReadRole  string
	busReadAgent string
	busReadJSON  bool

	busAckTo string
)

var busSendCmd = &cobra.Command{
	Use:   "send <topic>",
	Short: "Send a message (exactly one of --to-role, --to-agent, --broadcast)",
	Args:  cobra.ExactArgs(1),
	RunE:  runBusSend,
}

var busReadCmd = &cobra.Command{
	Use:   "read",
	Short: "Read unprocessed messages addressed to the calling session",
	RunE:  runBusRead,
}

var busAckCmd = &cobra.Command{
	Use:   "ack <message-id>",
	Short: "Acknowledge a message",
	Args:  cobra.ExactArgs(1),
	RunE:  runBusAck,
}

func init() {
	busAckCmd.Flags().StringVar(&busAckTo, "to", "", "session id the ack is addressed back to (the original sender)")
}

func init() {
	rootCmd.AddCommand(busCmd)
	busCmd.AddCommand(busSendCmd, busReadCmd, busAckCmd)

	busSendCmd.Flags().StringVar(&busSendToRole, "to-role", "", "recipient role")
	busSendCmd.Flags().StringVar(&busSendToAgent, "to-agent", "", "recipient agent name")
	busSendCmd.Flags().BoolVar(&busSendBroadcast, "broadcast", false, "send to every live session")
	busSendCmd.Flags().StringVar(&busSendData, "data", "", "JSON payload data (optional)")

	busReadCmd.Flags().StringVar(&busReadRole, "role", "", "filter: only messages for this role")
	busReadCmd.Flags().StringVar(&busReadAgent, "agent-name", "", "filter: only messages for this agent name")
	busReadCmd.Flags().BoolVar(&busReadJSON, "json", false, "emit JSON instead of plain text")
}

func parseBusData(raw string) (any, error) {
	if raw == "" {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, fmt.Errorf("--data is not valid JSON: %w", err)
	}
	return v, nil
}

func runBusSend(cmd *cobra.Command, args []string) error {
	cs, err := newCollaborators()
	if err != nil {
		return err
	}
	sessionID, err := resolveCallerSession(cs)
	if err != nil {
		return err
	}
	data, err := parseBusData(busSendData)
	if err != nil {
		return err
	}

	selected := 0
	for _, v := range []bool{busSendToRole != "", busSendToAgent != "", busSendBroadcast} {
		if v {
			selected++
		}
	}
	if selected != 1 {
		return fmt.Errorf("exactly one of --to-role, --to-agent, --broadcast is required")
	}

	topic := args[0]
	var m *bus.Message
	switch {
	case busSendToRole != "":
		m, err = cs.bus.SendToRole(sessionID, busSendToRole, topic, data)
	case busSendToAgent != "":
		m, err = cs.bus.SendToAgent(sessionID, busSendToAgent, topic, data)
	default:
		m, err = cs.bus.SendBroadcast(sessionID, topic, data)
	}
	if err != nil {
		return err
	}
	fmt.Printf("%s Sent message %s (seq %d)\n", style.Bold.Render("✓"), m.ID, m.Seq)
	return nil
}

func runBusRead(cmd *cobra.Command, args []string) error {
	cs, err := newCollaborators()
	if err != nil {
		return err
	}
	sessionID, err := resolveCallerSession(cs)
	if err != nil {
		return err
	}
	msgs, err := cs.bus.ReadMessages(sessionID, bus.Filter{Role: busReadRole, AgentName: busReadAgent})
	if err != nil {
		return err
	}

	if busReadJSON {
		return json.NewEncoder(os.Stdout).Encode(msgs)
	}
	for _, m := range msgs {
		fmt.Printf("[%s] %s -> %s %s: %s\n", m.Priority, m.From, m.To, m.Type, m.Topic)
	}
	return nil
}

func runBusAck(cmd *cobra.Command, args []string) error {
	cs, err := newCollaborators()
	if err != nil {
		return err
	}
	sessionID, err := resolveCallerSession(cs)
	if err != nil {
		return err
	}
	if busAckTo == "" {
		return fmt.Errorf("--to is required (the original sender's session id)")
	}
	if _, err := cs.bus.SendAck(sessionID, busAckTo, args[0]); err != nil {
		return err
	}
	fmt.Printf("%s Acked %s\n", style.Bold.Render("✓"), args[0])
	return nil
}
