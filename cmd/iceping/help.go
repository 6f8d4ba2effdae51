package main

import (
	"fmt"

	flag "github.com/spf13/pflag"
)

var (
	flagEnableIPv6   bool
	flagControlling  bool
	flagSTUNAddress  string
	flagTURNAddress  string
	flagTURNUsername string
	flagTURNPassword string
	flagHelp         bool
)

func init() {
	flag.BoolVarP(&flagEnableIPv6, "enable-ipv6", "6", false, "Permit use of IPv6")
	flag.BoolVarP(&flagControlling, "controlling", "c", false, "Start in the controlling role")
	flag.StringVarP(&flagSTUNAddress, "stun-address", "s", "", "STUN server address (host:port)")
	flag.StringVarP(&flagTURNAddress, "turn-address", "t", "", "TURN server address (host:port)")
	flag.StringVarP(&flagTURNUsername, "turn-username", "u", "", "TURN long-term username")
	flag.StringVarP(&flagTURNPassword, "turn-password", "p", "", "TURN long-term password")

	flag.BoolVarP(&flagHelp, "help", "h", false, "Print usage information and exit")
}

const helpString = `Establish a peer-to-peer UDP path between two hosts using ICE

Usage: iceping [OPTION]...

Run one instance with --controlling and one without. Each instance prints
its session description to stdout; paste each instance's output into the
other's stdin (end with a line containing a single "."). Once the
connectivity checks complete, the controlling side pings and the
controlled side echoes.

Network:
  -6, --enable-ipv6        Permit use of IPv6 (default: disabled)
  -s, --stun-address=ADDR  STUN server address (host:port)
  -t, --turn-address=ADDR  TURN server address (host:port)
  -u, --turn-username=USER TURN long-term username
  -p, --turn-password=PASS TURN long-term password

Role:
  -c, --controlling        Start in the controlling role

Miscellaneous:
  -h, --help               Print usage information and exit

The LOGLEVEL environment variable tunes log verbosity, e.g.
LOGLEVEL=debug or LOGLEVEL=ice=debug,warn.
`

func help() {
	fmt.Print(helpString)
}
