package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pterm/pterm"

	"github.com/1ureka/peerlink/internal/coordinator"
	"github.com/1ureka/peerlink/internal/protocol"
	"github.com/1ureka/peerlink/internal/signaling"
	"github.com/1ureka/peerlink/internal/util"
)

const (
	actionConnect     = "Connect to relay"
	actionDisconnect  = "Disconnect from relay"
	actionMakeOffer   = "Make offer"
	actionAcceptOffer = "Accept offer"
	actionSend        = "Send position"
	actionState       = "Show state"
	actionRelayURL    = "Change relay URL"
	actionIdentity    = "Change identity"
	actionQuit        = "Quit"
)

var menuOptions = []string{
	actionConnect,
	actionDisconnect,
	actionMakeOffer,
	actionAcceptOffer,
	actionSend,
	actionState,
	actionRelayURL,
	actionIdentity,
	actionQuit,
}

// runMenu drives the coordinator from an interactive menu until the user
// quits or ctx is cancelled.
func runMenu(ctx context.Context, co *coordinator.Coordinator) error {
	for ctx.Err() == nil {
		choice, err := pterm.DefaultInteractiveSelect.
			WithOptions(menuOptions).
			WithDefaultText("Select an action").
			Show()
		if err != nil {
			return err
		}

		if choice == actionQuit {
			return nil
		}
		if err := runAction(ctx, co, choice); err != nil {
			util.LogError("%s: %v", choice, err)
		}
	}
	return nil
}

func runAction(ctx context.Context, co *coordinator.Coordinator, choice string) error {
	switch choice {
	case actionConnect:
		return co.Connect()
	case actionDisconnect:
		return co.Disconnect()
	case actionMakeOffer:
		return co.MakeOffer(ctx)
	case actionAcceptOffer:
		return acceptOffer(ctx, co)
	case actionSend:
		return sendPosition(co)
	case actionState:
		return showState(co.Snapshot())
	case actionRelayURL:
		url, err := askURL(co.Snapshot().RelayURL)
		if err != nil {
			return err
		}
		return co.SetRelayURL(url)
	case actionIdentity:
		name, err := askText("Identity", co.Snapshot().Identity)
		if err != nil {
			return err
		}
		return co.SetIdentity(name)
	}
	return fmt.Errorf("unknown action %q", choice)
}

func acceptOffer(ctx context.Context, co *coordinator.Coordinator) error {
	offers := co.Snapshot().PendingOffers
	if len(offers) == 0 {
		pterm.Info.Println("No pending offers.")
		return nil
	}

	labels := make([]string, len(offers))
	for i, o := range offers {
		labels[i] = offerLabel(o, time.Now())
	}
	choice, err := pterm.DefaultInteractiveSelect.
		WithOptions(labels).
		WithDefaultText("Select an offer").
		Show()
	if err != nil {
		return err
	}

	id, err := offerID(choice)
	if err != nil {
		return err
	}
	return co.AcceptOffer(ctx, id)
}

func sendPosition(co *coordinator.Coordinator) error {
	input, err := askText("Position (JSON or x,y)", protocol.DefaultPayload)
	if err != nil {
		return err
	}
	pos, err := protocol.Parse(input)
	if err != nil {
		return err
	}
	return co.SendPayload(protocol.Encode(pos))
}

func showState(snap coordinator.Snapshot) error {
	data := pterm.TableData{
		{"Field", "Value"},
		{"Relay", snap.RelayURL},
		{"Connection", snap.ConnectionState.String()},
		{"Identity", snap.Identity},
		{"Peer", snap.PeerState},
		{"Channel open", strconv.FormatBool(snap.ChannelOpen)},
		{"Pending offers", strconv.Itoa(len(snap.PendingOffers))},
		{"Last payload", describePayload(snap.LastPayload)},
		{"Notice", snap.Notice},
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

// watchState logs the changes between consecutive snapshots.
func watchState(ctx context.Context, co *coordinator.Coordinator) {
	updates, cancel := co.Subscribe()
	defer cancel()

	prev := co.Snapshot()
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-updates:
			if !ok {
				return
			}
			for _, line := range stateChanges(prev, snap) {
				util.LogInfo("%s", line)
			}
			if snap.Notice != "" && snap.Notice != prev.Notice {
				util.LogWarning("%s", snap.Notice)
			}
			prev = snap
		}
	}
}

// stateChanges describes what differs between two snapshots, notices aside.
func stateChanges(prev, next coordinator.Snapshot) []string {
	var lines []string
	if next.ConnectionState != prev.ConnectionState {
		lines = append(lines, "relay "+strings.ToLower(next.ConnectionState.String()))
	}
	if next.PeerState != prev.PeerState && next.PeerState != "" {
		lines = append(lines, "peer "+next.PeerState)
	}
	if next.ChannelOpen != prev.ChannelOpen {
		if next.ChannelOpen {
			lines = append(lines, "data channel open")
		} else {
			lines = append(lines, "data channel closed")
		}
	}
	if n, p := len(next.PendingOffers), len(prev.PendingOffers); n > p && n > 0 {
		o := next.PendingOffers[n-1]
		lines = append(lines, fmt.Sprintf("offer #%d from %s", o.ID, senderName(o.Sender)))
	}
	if next.LastPayload != nil && string(next.LastPayload) != string(prev.LastPayload) {
		lines = append(lines, "received "+describePayload(next.LastPayload))
	}
	return lines
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

func offerLabel(o coordinator.PendingOffer, now time.Time) string {
	age := now.Sub(o.ReceivedAt).Truncate(time.Second)
	return fmt.Sprintf("#%d %s (%s ago)", o.ID, senderName(o.Sender), age)
}

func offerID(label string) (uint64, error) {
	head, _, _ := strings.Cut(label, " ")
	id, err := strconv.ParseUint(strings.TrimPrefix(head, "#"), 10, 64)
	if err != nil || !strings.HasPrefix(head, "#") {
		return 0, fmt.Errorf("invalid offer label %q", label)
	}
	return id, nil
}

func senderName(name string) string {
	if name == "" {
		return "anonymous"
	}
	return name
}

func describePayload(payload []byte) string {
	if payload == nil {
		return "-"
	}
	pos, err := protocol.Decode(payload)
	if err != nil {
		return fmt.Sprintf("%d bytes (not a position)", len(payload))
	}
	return fmt.Sprintf("position x=%g y=%g", pos.X, pos.Y)
}

func askText(prompt, def string) (string, error) {
	for {
		input, err := pterm.DefaultInteractiveTextInput.
			WithDefaultValue(def).
			Show(prompt)
		if err != nil {
			return "", err
		}
		if s := strings.TrimSpace(input); s != "" {
			return s, nil
		}
		pterm.Warning.Println("Value cannot be empty")
	}
}

func askURL(def string) (string, error) {
	for {
		input, err := askText("Relay URL", def)
		if err != nil {
			return "", err
		}
		if _, err := signaling.DialURL(input, ""); err != nil {
			pterm.Warning.Printfln("Invalid relay URL: %v", err)
			continue
		}
		return input, nil
	}
}
