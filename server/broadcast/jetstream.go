package broadcast

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// JetStream implements Bus on NATS JetStream.
type JetStream struct {
	nc *nats.Conn
	js jetstream.JetStream
}

func ConnectJetStream(url string, opts ...nats.Option) (*JetStream, error) {
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, err
	}
	return &JetStream{nc: nc, js: js}, nil
}

func (b *JetStream) Close() { b.nc.Close() }

func (b *JetStream) EnsureBoardStream(ctx context.Context, boardID string) error {
	_, err := b.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      stateStream(boardID),
		Subjects:  []string{StateSubject(boardID)},
		Retention: jetstream.LimitsPolicy,
		Discard:   jetstream.DiscardOld,
		MaxBytes:  -1,
	})
	return err
}

func (b *JetStream) EnsureSeatStream(ctx context.Context) error {
	_, err := b.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      seatStream,
		Subjects:  []string{"seats.>"},
		Retention: jetstream.LimitsPolicy,
		Discard:   jetstream.DiscardOld,
		MaxBytes:  -1,
	})
	return err
}

func (b *JetStream) AddBoardConsumer(ctx context.Context, boardID, name string) error {
	_, err := b.js.CreateOrUpdateConsumer(ctx, stateStream(boardID), jetstream.ConsumerConfig{
		Name:          name,
		Durable:       name,
		FilterSubject: StateSubject(boardID),
		AckPolicy:     jetstream.AckNonePolicy,
		DeliverPolicy: jetstream.DeliverLastPolicy,
	})
	return err
}

func (b *JetStream) RemoveBoardConsumer(ctx context.Context, boardID, name string) error {
	return b.js.DeleteConsumer(ctx, stateStream(boardID), name)
}

func (b *JetStream) AddSeatConsumer(ctx context.Context, boardID, seatKey string) error {
	_, err := b.js.CreateOrUpdateConsumer(ctx, seatStream, jetstream.ConsumerConfig{
		Name:          seatKey,
		Durable:       seatKey,
		FilterSubject: SeatSubject(boardID, seatKey),
		AckPolicy:     jetstream.AckExplicitPolicy,
	})
	return err
}

func (b *JetStream) PublishState(ctx context.Context, boardID string, data []byte) error {
	_, err := b.js.Publish(ctx, StateSubject(boardID), data)
	return err
}

func (b *JetStream) PublishSeat(ctx context.Context, boardID, seatKey string, data []byte) error {
	_, err := b.js.Publish(ctx, SeatSubject(boardID, seatKey), data)
	return err
}
