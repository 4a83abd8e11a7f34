package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/phys-sims/pm-bot-sub001/internal/domain"
	"github.com/spf13/cobra"
)

var tailCmd = &cobra.Command{
	Use:   "tail [run-id]",
	Short: "Stream a run's audit events",
	Args:  cobra.ExactArgs(1),
	RunE:  runTail,
}

var (
	tailAfter    int64
	tailUntilEnd bool
)

func init() {
	tailCmd.Flags().Int64Var(&tailAfter, "after", 0, "Only events after this sequence number")
	tailCmd.Flags().BoolVar(&tailUntilEnd, "until-terminal", false, "Exit once the run completes or fails")
}

// streamURL turns the worker API address into the run's websocket URL.
func streamURL(base, runID string, after int64) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path += "/internal/runs/" + runID + "/events/stream"
	if after > 0 {
		u.RawQuery = fmt.Sprintf("after_seq=%d", after)
	}
	return u.String(), nil
}

func runTail(cmd *cobra.Command, args []string) error {
	addr, err := streamURL(internalAddr, args[0], tailAfter)
	if err != nil {
		return err
	}
	conn, _, err := websocket.DefaultDialer.Dial(addr, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	go func() {
		<-interrupt
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("Read error: %v", err)
			}
			return nil
		}

		var event domain.AuditEvent
		if err := json.Unmarshal(data, &event); err != nil {
			log.Printf("Unmarshal error: %v", err)
			continue
		}
		if outputJSON {
			fmt.Println(string(data))
		} else {
			printEvent(event)
		}
		if tailUntilEnd && (event.Type == domain.EventTypeRunCompleted || event.Type == domain.EventTypeRunFailed) {
			return nil
		}
	}
}
