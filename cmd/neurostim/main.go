// Command neurostim is the interactive operator console for the
// neural-stimulation device driver: it selects a serial port, opens the
// session, and toggles streaming and therapy from the keyboard.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/bennesher/csep590c-sp23/logger"
	"github.com/bennesher/csep590c-sp23/neuro"
	"github.com/bennesher/csep590c-sp23/serialconn"
)

func main() {
	log := logger.GetLogger()

	portName, err := selectPort()
	if err != nil {
		log.Fatal("port selection failed", "error", err)
	}

	cfg, err := serialconn.NewConnectionConfig(portName,
		serialconn.WithLogFile("samples.csv"),
		serialconn.WithLogger(log),
	)
	if err != nil {
		log.Fatal("invalid configuration", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn, err := serialconn.NewConnection(ctx, cfg)
	if err != nil {
		log.Fatal("failed to create connection", "error", err)
	}

	subscribe(conn)

	status := conn.Open()
	if status != neuro.Connected {
		log.Fatal("failed to connect", "status", status.String())
	}
	defer conn.Close()

	fmt.Println("connected — S: toggle streaming, T: toggle therapy, Q: quit")

	therapyOn := false

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		switch strings.ToUpper(strings.TrimSpace(scanner.Text())) {
		case "S":
			if conn.IsStreaming() {
				conn.StopStreaming()
				fmt.Println("streaming stopped")
			} else {
				fmt.Printf("streaming: %s\n", conn.StartStreaming())
			}

		case "T":
			therapyOn = !therapyOn
			conn.SetTherapyEnabled(therapyOn)
			fmt.Printf("therapy enabled: %t\n", therapyOn)

		case "Q":
			return

		default:
		}
	}
}

// selectPort lists the available serial ports and prompts for a choice.
func selectPort() (string, error) {
	ports, err := serialconn.AvailablePorts()
	if err != nil {
		return "", err
	}
	if len(ports) == 0 {
		return "", fmt.Errorf("no serial ports found")
	}

	fmt.Println("available ports:")
	for i, p := range ports {
		fmt.Printf("  [%d] %s\n", i, p)
	}
	fmt.Print("select port: ")

	scanner := bufio.NewScanner(os.Stdin)
	if !scanner.Scan() {
		return "", fmt.Errorf("no selection")
	}

	idx, err := strconv.Atoi(strings.TrimSpace(scanner.Text()))
	if err != nil || idx < 0 || idx >= len(ports) {
		return "", fmt.Errorf("invalid selection %q", scanner.Text())
	}

	return ports[idx], nil
}

// subscribe prints the session events the operator cares about.
func subscribe(conn *serialconn.Connection) {
	events := conn.Events()

	events.OnConnectionStatus(func(s neuro.ConnectionStatus) {
		fmt.Printf("[connection] %s\n", s)
	})

	events.OnSeizureStatus(func(needed bool) {
		if needed {
			fmt.Println("[seizure] detected — therapy needed")
		} else {
			fmt.Println("[seizure] over")
		}
	})

	events.OnTherapyActive(func(active bool) {
		fmt.Printf("[therapy] active: %t\n", active)
	})
}
