// Command tincanphone runs the call engine with a minimal line-oriented
// terminal front end: it polls the log and state the way a GUI would,
// just on a ticker and stdout instead of widgets and a timer.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/garynull/tincanphone"
)

func main() {
	pollInterval := flag.Duration("poll-interval", 150*time.Millisecond, "how often to poll the engine for log output")
	flag.Parse()

	mailbox := &tincanphone.Mailbox{}
	engine := tincanphone.NewEngine(mailbox)

	woken := make(chan struct{}, 1)
	mailbox.SetUpdateHandler(tincanphone.UpdateHandlerFunc(func() {
		select {
		case woken <- struct{}{}:
		default:
		}
	}))

	go engine.Run()

	go pollLog(mailbox, *pollInterval)
	go printOnWakeup(mailbox, woken)

	fmt.Println("tincanphone. Commands: call <addr>, answer, hangup, exit")
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, " ", 2)
		switch fields[0] {
		case "call":
			if len(fields) < 2 {
				fmt.Println("usage: call <host[:port]>")
				continue
			}
			mailbox.SetCommand(tincanphone.CmdCall, fields[1])
		case "answer":
			mailbox.SetCommand(tincanphone.CmdAnswer, "")
		case "hangup":
			mailbox.SetCommand(tincanphone.CmdHangup, "")
		case "exit", "quit":
			mailbox.SetCommand(tincanphone.CmdExit, "")
			waitForExit(mailbox)
			return
		default:
			fmt.Printf("unknown command %q\n", fields[0])
		}
	}
}

func pollLog(mailbox *tincanphone.Mailbox, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for range t.C {
		if text := mailbox.ReadLog(); text != "" {
			fmt.Print(text)
		}
	}
}

func printOnWakeup(mailbox *tincanphone.Mailbox, woken <-chan struct{}) {
	for range woken {
		state := mailbox.GetState()
		fmt.Printf("[state: %s]\n", state)
		if state == tincanphone.StateException {
			log.Printf("fatal: %s", mailbox.GetErrorMessage())
		}
	}
}

func waitForExit(mailbox *tincanphone.Mailbox) {
	for i := 0; i < 100; i++ {
		switch mailbox.GetState() {
		case tincanphone.StateExited, tincanphone.StateException:
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
}
