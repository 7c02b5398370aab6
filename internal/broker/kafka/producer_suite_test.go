package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/BearBump/CustodyBox/internal/broker/messages"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
)

type writerMock struct {
	mock.Mock
}

func (m *writerMock) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	args := m.Called(ctx, msgs)
	return args.Error(0)
}

type ProducerSuite struct {
	suite.Suite
	wm *writerMock
	p  *Producer
}

func (s *ProducerSuite) SetupTest() {
	s.wm = &writerMock{}
	s.p = newProducerWithWriter(s.wm)
}

func header(m kafka.Message, key string) string {
	for _, h := range m.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func (s *ProducerSuite) TestPublish_ScanAcceptedKeyedByShipment() {
	value, err := json.Marshal(messages.ScanAccepted{ScanID: "SCN-1", ShipmentHash: "SHP-1", ContainerID: "CNT-1"})
	s.Require().NoError(err)

	s.wm.
		On("WriteMessages", mock.Anything, mock.MatchedBy(func(msgs []kafka.Message) bool {
			if len(msgs) != 1 {
				return false
			}
			m := msgs[0]
			return m.Topic == "custody.scan.accepted" &&
				string(m.Key) == "SHP-1" &&
				string(m.Value) == string(value) &&
				header(m, "content-type") == contentTypeJSON &&
				header(m, "event") == "custody.scan.accepted"
		})).
		Return(nil).
		Once()

	s.Require().NoError(s.p.Publish(context.Background(), "custody.scan.accepted", []byte("SHP-1"), value))
	s.wm.AssertExpectations(s.T())
}

func (s *ProducerSuite) TestPublish_EmptyKeyRejected() {
	err := s.p.Publish(context.Background(), "custody.concern.raised", nil, []byte(`{}`))
	s.Require().Error(err)
	s.Require().Contains(err.Error(), "empty shipment key")
	s.wm.AssertNotCalled(s.T(), "WriteMessages", mock.Anything, mock.Anything)
}

func (s *ProducerSuite) TestPublish_ErrorNamesTopic() {
	want := errors.New("leader not available")
	s.wm.On("WriteMessages", mock.Anything, mock.Anything).Return(want).Once()

	err := s.p.Publish(context.Background(), "custody.chain.checked", []byte("SHP-1"), []byte(`{}`))
	s.Require().ErrorIs(err, want)
	s.Require().Contains(err.Error(), "kafka publish to custody.chain.checked")
	s.wm.AssertExpectations(s.T())
}

func TestProducerSuite(t *testing.T) {
	suite.Run(t, new(ProducerSuite))
}
