// Command ucat is a netcat-style demo over the uTP stream protocol: one
// side accepts, the other connects, and both forward the established
// stream to stdio. It is the Go analog of asio-utp's ucat.cpp example,
// rebuilt on this module's cobra-driven CLI idiom.
package main

import (
	"fmt"
	"io"
	"net"
	"os"

	"utpgo/internal/conf"
	"utpgo/utp"

	"github.com/spf13/cobra"
)

var (
	configPath string
	keyFlag    string
)

func main() {
	root := &cobra.Command{
		Use:   "ucat",
		Short: "netcat over the uTP stream protocol",
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file (log level and default key)")
	root.PersistentFlags().StringVarP(&keyFlag, "key", "k", "", "passphrase enabling per-datagram encryption (overrides the config file's key)")

	root.AddCommand(serverCmd(), clientCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConf applies the config file's log level (if any config was given)
// and resolves the effective encryption passphrase: --key wins, falling
// back to the config file's key field.
func loadConf() (string, error) {
	if configPath == "" {
		return keyFlag, nil
	}
	c, err := conf.LoadFromFile(configPath)
	if err != nil {
		return "", err
	}
	c.Log.Apply()
	if keyFlag != "" {
		return keyFlag, nil
	}
	return c.Key, nil
}

func serverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "server <listen-endpoint>",
		Short: "accept one uTP connection and forward it to stdio",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := loadConf()
			if err != nil {
				return err
			}
			addr, err := net.ResolveUDPAddr("udp", args[0])
			if err != nil {
				return fmt.Errorf("parsing listen endpoint: %w", err)
			}

			s := utp.NewSocket()
			if err := s.Bind(addr); err != nil {
				return fmt.Errorf("bind: %w", err)
			}
			defer s.Close()
			if err := s.SetKey(key); err != nil {
				return fmt.Errorf("setting key: %w", err)
			}

			fmt.Fprintf(os.Stderr, "accepting on: %s\n", s.LocalAddr())
			if err := s.Accept(); err != nil {
				return fmt.Errorf("accept: %w", err)
			}
			fmt.Fprintf(os.Stderr, "accepted: %s\n", s.RemoteAddr())

			return forward(s)
		},
	}
}

func clientCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "client <remote-endpoint>",
		Short: "connect to a uTP listener and forward stdio over the stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := loadConf()
			if err != nil {
				return err
			}
			remote, err := net.ResolveUDPAddr("udp", args[0])
			if err != nil {
				return fmt.Errorf("parsing remote endpoint: %w", err)
			}

			s := utp.NewSocket()
			if err := s.Bind(&net.UDPAddr{IP: net.IPv4zero, Port: 0}); err != nil {
				return fmt.Errorf("bind: %w", err)
			}
			defer s.Close()
			if err := s.SetKey(key); err != nil {
				return fmt.Errorf("setting key: %w", err)
			}

			fmt.Fprintf(os.Stderr, "connecting to: %s\n", remote)
			if err := s.Connect(remote); err != nil {
				return fmt.Errorf("connect: %w", err)
			}
			fmt.Fprintln(os.Stderr, "connected")

			return forward(s)
		},
	}
}

// forward pipes stdin into the stream and the stream into stdout
// concurrently, returning once either direction hits EOF.
func forward(s *utp.Socket) error {
	done := make(chan error, 2)

	go func() {
		_, err := io.Copy(s, os.Stdin)
		s.Close()
		done <- err
	}()
	go func() {
		_, err := io.Copy(os.Stdout, s)
		done <- err
	}()

	err := <-done
	if err != nil && err != io.EOF {
		return err
	}
	return nil
}
