//go:build test

package main

import (
	"bytes"
	"context"
	"io"
	"sync"
	"sync/atomic"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/srg/blemqtt/internal/mqtt"
	"github.com/srg/blemqtt/internal/testutils"
	"github.com/srg/blemqtt/pkg/config"
	"github.com/stretchr/testify/suite"
)

// syncBuffer is a bytes.Buffer safe for the progress printer and the logger writing at once.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// closableTransport adds Close to the mock transport.
type closableTransport struct {
	*testutils.MockTransport
	closed atomic.Bool
}

func (t *closableTransport) Close() error {
	t.closed.Store(true)
	return nil
}

// closableSession adds Close to the mock broker session.
type closableSession struct {
	*testutils.MockSession
	closed atomic.Bool
}

func (s *closableSession) Close() error {
	s.closed.Store(true)
	return nil
}

// CommandTestSuite swaps the device and broker factories for mocks and restores
// every package-level command setting after each test.
type CommandTestSuite struct {
	suite.Suite

	originalTransportFactory func(*logrus.Logger) deviceTransport
	originalSessionFactory   func(config.MQTTConfig, *logrus.Logger, ...mqtt.Option) (brokerSession, error)
	originalPromptInput      io.Reader
	originalIsTerminal       func() bool
	originalNoColor          bool

	Transport *closableTransport
	Session   *closableSession

	transportCalls atomic.Int32
	sessionCalls   atomic.Int32
	sessionConfig  config.MQTTConfig
	sessionOptions []mqtt.Option
}

func (s *CommandTestSuite) SetupTest() {
	s.originalTransportFactory = transportFactory
	s.originalSessionFactory = sessionFactory
	s.originalPromptInput = promptInput
	s.originalIsTerminal = stdinIsTerminal
	s.originalNoColor = color.NoColor

	color.NoColor = true
	stdinIsTerminal = func() bool { return false }

	s.transportCalls.Store(0)
	s.sessionCalls.Store(0)
	s.sessionOptions = nil
	s.UseTransport(testutils.NewMockTransport())
	s.Session = &closableSession{MockSession: testutils.NewMockSession()}

	transportFactory = func(*logrus.Logger) deviceTransport {
		s.transportCalls.Add(1)
		return s.Transport
	}
	sessionFactory = func(cfg config.MQTTConfig, _ *logrus.Logger, opts ...mqtt.Option) (brokerSession, error) {
		s.sessionCalls.Add(1)
		s.sessionConfig = cfg
		s.sessionOptions = opts
		return s.Session, nil
	}

	resetFlags(rootCmd)
	configPath = ""
}

func (s *CommandTestSuite) TearDownTest() {
	transportFactory = s.originalTransportFactory
	sessionFactory = s.originalSessionFactory
	promptInput = s.originalPromptInput
	stdinIsTerminal = s.originalIsTerminal
	color.NoColor = s.originalNoColor

	resetFlags(rootCmd)
	configPath = ""
}

// UseTransport makes the commands use transport.
func (s *CommandTestSuite) UseTransport(transport *testutils.MockTransport) {
	s.Transport = &closableTransport{MockTransport: transport}
}

// ExecuteCommand runs the root command with args and returns stdout, stderr and the error.
func (s *CommandTestSuite) ExecuteCommand(args ...string) (string, string, error) {
	return s.ExecuteCommandContext(context.Background(), args...)
}

// ExecuteCommandContext is ExecuteCommand with a caller-controlled context.
func (s *CommandTestSuite) ExecuteCommandContext(ctx context.Context, args ...string) (string, string, error) {
	stdout, stderr := &syncBuffer{}, &syncBuffer{}
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)
	rootCmd.SetArgs(args)
	defer rootCmd.SetArgs(nil)
	// Subcommands keep the context of their first execution otherwise.
	for _, c := range rootCmd.Commands() {
		c.SetContext(ctx)
	}

	err := rootCmd.ExecuteContext(ctx)
	return stdout.String(), stderr.String(), err
}

// resetFlags puts every flag of cmd and its subcommands back to its default.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	cmd.PersistentFlags().VisitAll(reset)
	cmd.Flags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}
