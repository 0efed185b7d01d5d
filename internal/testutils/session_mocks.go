//go:build test

package testutils

import (
	"sync"

	"github.com/srg/blemqtt/internal/mqtt"
	"github.com/stretchr/testify/mock"
)

// Publication is one Publish call observed by a MockSession.
type Publication struct {
	Topic    string
	Payload  string
	QoS      byte
	Retained bool
}

// MockSession is a testify mock of the broker session. Deliver plays the broker side
// and invokes the handler subscribed on a topic.
type MockSession struct {
	mock.Mock

	mu           sync.Mutex
	handlers     map[string]mqtt.MessageHandler
	publications []Publication
}

// NewMockSession creates a session whose Publish, Subscribe and Unsubscribe all succeed.
func NewMockSession() *MockSession {
	s := &MockSession{handlers: make(map[string]mqtt.MessageHandler)}
	s.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
	s.On("Subscribe", mock.Anything, mock.Anything).Return(nil).Maybe()
	s.On("Unsubscribe", mock.Anything).Return(nil).Maybe()
	return s
}

// Expect replaces the default expectation for method.
func (s *MockSession) Expect(method string, args ...any) *mock.Call {
	filtered := s.ExpectedCalls[:0]
	for _, c := range s.ExpectedCalls {
		if c.Method != method {
			filtered = append(filtered, c)
		}
	}
	s.ExpectedCalls = filtered
	return s.On(method, args...)
}

func (s *MockSession) Publish(topic string, payload []byte, qos byte, retained bool) error {
	if err := s.Called(topic, qos, retained).Error(0); err != nil {
		return err
	}
	s.mu.Lock()
	s.publications = append(s.publications, Publication{Topic: topic, Payload: string(payload), QoS: qos, Retained: retained})
	s.mu.Unlock()
	return nil
}

func (s *MockSession) Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error {
	if err := s.Called(topic, qos).Error(0); err != nil {
		return err
	}
	s.mu.Lock()
	s.handlers[topic] = handler
	s.mu.Unlock()
	return nil
}

func (s *MockSession) Unsubscribe(topic string) error {
	s.mu.Lock()
	delete(s.handlers, topic)
	s.mu.Unlock()
	return s.Called(topic).Error(0)
}

// Deliver hands payload to the handler subscribed on topic. Returns false when nothing is subscribed.
func (s *MockSession) Deliver(topic string, payload string) bool {
	s.mu.Lock()
	h, ok := s.handlers[topic]
	s.mu.Unlock()
	if ok {
		_ = h(topic, []byte(payload))
	}
	return ok
}

// Subscribed reports whether a handler is registered on topic.
func (s *MockSession) Subscribed(topic string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.handlers[topic]
	return ok
}

// Publications returns the successful publications on topic, or on every topic when topic is empty.
func (s *MockSession) Publications(topic string) []Publication {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Publication
	for _, p := range s.publications {
		if topic == "" || p.Topic == topic {
			out = append(out, p)
		}
	}
	return out
}
