// Command portscan lists serial ports and optionally talks to one of them.
package main

import (
	"bufio"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/ThunderFocus/serial"
	flag "github.com/spf13/pflag"
)

func main() {
	device := flag.StringP("device", "d", "", "serial device to open; lists ports when empty")
	baud := flag.IntP("baud", "b", serial.DefaultBaudRate.Int(), "baud rate")
	cmd := flag.StringP("cmd", "c", "", "single line to send; if empty, read lines from stdin")
	listen := flag.BoolP("listen", "l", false, "listen-only mode: print incoming lines until interrupted")
	wait := flag.DurationP("wait", "w", 2*time.Second, "how long to print replies after each line")
	flag.Parse()

	if *device == "" {
		ports, err := serial.ScanPorts()
		if err != nil {
			fatalf("scan: %v", err)
		}
		if len(ports) == 0 {
			fmt.Fprintln(os.Stderr, "no serial ports found")
			return
		}
		for _, p := range ports {
			fmt.Println(p)
		}
		return
	}

	port, err := serial.Open(serial.Config{PortName: *device, BaudRate: *baud})
	if err != nil {
		fatalf("open: %v", err)
	}
	defer port.Disconnect()

	lines := make(chan string, 64)
	if err := port.AddListener(serial.NewListener(
		func(line string) {
			select {
			case lines <- line:
			default:
				// nobody is reading; drop
			}
		},
		func(err error) { fmt.Fprintf(os.Stderr, "error: %v\n", err) },
	)); err != nil {
		fatalf("listen: %v", err)
	}

	if *listen {
		// Listen-only mode: continuously print incoming lines.
		fmt.Fprintf(os.Stderr, "listening on %s (baud=%d)...\n", *device, *baud)
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt)
		for {
			select {
			case line := <-lines:
				fmt.Println(line)
			case <-sig:
				return
			}
		}
	}

	if *cmd != "" {
		// Single command mode
		send(port, *cmd, lines, *wait)
		return
	}

	// Interactive mode: read lines from stdin.
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Fprintln(os.Stderr, "Entering interactive mode. Type commands, Ctrl+D to exit.")
	for {
		fmt.Fprint(os.Stderr, "> ")
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				fmt.Fprintf(os.Stderr, "stdin error: %v\n", err)
			}
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		send(port, line, lines, *wait)
	}
}

// send writes line and prints whatever the device answers within wait.
func send(port *serial.Connection, line string, lines <-chan string, wait time.Duration) {
	if err := port.Println(line); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return
	}
	timeout := time.After(wait)
	for {
		select {
		case reply := <-lines:
			fmt.Println(reply)
		case <-timeout:
			return
		}
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "portscan: "+format+"\n", args...)
	os.Exit(1)
}
