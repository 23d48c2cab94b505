// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/warden-os/warden/cmd/warden/cli"
	"github.com/warden-os/warden/lib/ipc"
	"github.com/warden-os/warden/lib/realm"
	"github.com/warden-os/warden/lib/version"
)

// socketFlag adds the shared --socket flag and returns the flag set
// plus a client factory bound to its value.
func socketFlag(name string) (func() *pflag.FlagSet, func() *cli.Client) {
	var socketPath string
	flags := func() *pflag.FlagSet {
		flagSet := pflag.NewFlagSet(name, pflag.ContinueOnError)
		flagSet.StringVar(&socketPath, "socket", cli.DefaultSocketPath, "daemon control socket")
		return flagSet
	}
	client := func() *cli.Client { return cli.NewClient(socketPath) }
	return flags, client
}

func root() *cli.Command {
	return &cli.Command{
		Name:    "warden",
		Summary: "control the realm orchestration daemon",
		Subcommands: []*cli.Command{
			listCommand(),
			currentCommand(),
			setCurrentCommand(),
			startCommand(),
			stopCommand(),
			runCommand(),
			terminalCommand(),
			fromPidCommand(),
			watchCommand(),
			versionCommand(),
		},
	}
}

func listCommand() *cli.Command {
	flags, client := socketFlag("list")
	return &cli.Command{
		Name:    "list",
		Summary: "list realms and their status",
		Flags:   flags,
		Run: func(args []string) error {
			response, err := client().Request(ipc.Request{Action: ipc.ActionList})
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(os.Stdout, 2, 0, 3, ' ', 0)
			for _, entry := range response.Realms {
				fmt.Fprintf(tw, "%s\t%s\n", entry.Name, realm.Status(entry.Status))
			}
			return tw.Flush()
		},
	}
}

func currentCommand() *cli.Command {
	flags, client := socketFlag("current")
	return &cli.Command{
		Name:    "current",
		Summary: "print the current realm",
		Flags:   flags,
		Run: func(args []string) error {
			response, err := client().Request(ipc.Request{Action: ipc.ActionGetCurrent})
			if err != nil {
				return err
			}
			if response.Current == "" {
				fmt.Println("none")
				return nil
			}
			fmt.Println(response.Current)
			return nil
		},
	}
}

// realmArgCommand builds a command taking exactly one realm argument.
func realmArgCommand(name, summary, action string) *cli.Command {
	flags, client := socketFlag(name)
	return &cli.Command{
		Name:    name,
		Summary: summary,
		Usage:   "warden " + name + " <realm>",
		Flags:   flags,
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("usage: warden %s <realm>", name)
			}
			_, err := client().Request(ipc.Request{Action: action, Realm: args[0]})
			return err
		},
	}
}

func setCurrentCommand() *cli.Command {
	return realmArgCommand("set-current", "make a running realm the current one", ipc.ActionSetCurrent)
}

func startCommand() *cli.Command {
	return realmArgCommand("start", "start a realm", ipc.ActionStart)
}

func stopCommand() *cli.Command {
	return realmArgCommand("stop", "stop a realm", ipc.ActionStop)
}

func runCommand() *cli.Command {
	flags, client := socketFlag("run")
	return &cli.Command{
		Name:    "run",
		Summary: "run a command inside a realm (starting it if needed)",
		Usage:   "warden run <realm> <command> [args...]",
		Examples: []cli.Example{
			{Command: "warden run work firefox"},
		},
		Flags: flags,
		Run: func(args []string) error {
			if len(args) < 2 {
				return fmt.Errorf("usage: warden run <realm> <command> [args...]")
			}
			_, err := client().Request(ipc.Request{
				Action: ipc.ActionRun,
				Realm:  args[0],
				Args:   args[1:],
			})
			return err
		},
	}
}

func terminalCommand() *cli.Command {
	flags, client := socketFlag("terminal")
	return &cli.Command{
		Name:    "terminal",
		Summary: "open a shell inside a realm (starting it if needed)",
		Usage:   "warden terminal <realm>",
		Flags:   flags,
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("usage: warden terminal <realm>")
			}
			if !term.IsTerminal(int(os.Stdin.Fd())) {
				return fmt.Errorf("terminal requires an interactive TTY")
			}
			_, err := client().Request(ipc.Request{Action: ipc.ActionTerminal, Realm: args[0]})
			return err
		},
	}
}

func fromPidCommand() *cli.Command {
	flags, client := socketFlag("from-pid")
	return &cli.Command{
		Name:    "from-pid",
		Summary: "print which realm a host process belongs to",
		Usage:   "warden from-pid <pid>",
		Flags:   flags,
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("usage: warden from-pid <pid>")
			}
			pid, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid pid %q", args[0])
			}
			response, err := client().Request(ipc.Request{Action: ipc.ActionRealmFromPid, Pid: pid})
			if err != nil {
				return err
			}
			if response.Realm == "" {
				fmt.Println("none")
				return nil
			}
			fmt.Println(response.Realm)
			return nil
		},
	}
}

func watchCommand() *cli.Command {
	flags, client := socketFlag("watch")
	return &cli.Command{
		Name:    "watch",
		Summary: "stream realm lifecycle events until interrupted",
		Flags:   flags,
		Run: func(args []string) error {
			return client().Subscribe(func(notification ipc.Notification) error {
				if notification.Realm == "" {
					fmt.Println(notification.Event)
				} else {
					fmt.Printf("%s %s\n", notification.Event, notification.Realm)
				}
				return nil
			})
		},
	}
}

func versionCommand() *cli.Command {
	return &cli.Command{
		Name:    "version",
		Summary: "print version information",
		Run: func(args []string) error {
			fmt.Printf("warden %s\n", version.Full())
			return nil
		},
	}
}
