// Package kafkasink publishes queue jobs to a Kafka topic.
package kafkasink

import (
	"context"
	"errors"
	"fmt"

	"github.com/Shopify/sarama"

	"go.od2.network/conveyor/pkg/queue"
)

// Result codes set on jobs.
const (
	CodePublished   = "published"
	CodeEncodeError = "encode_error"
	CodeKafkaError  = "kafka_error"
)

// EncodeFunc serializes a message into a Kafka key and value.
// A nil key lets the partitioner pick a partition.
type EncodeFunc[T any] func(msg T) (key, value []byte, err error)

// Sink sends batches of jobs to a topic using a synchronous producer.
type Sink[T any] struct {
	Producer sarama.SyncProducer
	Topic    string
	Encode   EncodeFunc[T]
}

// Publish sends all jobs as a single batch.
//
// Jobs that could not be encoded or were rejected by the broker get a failed result.
// An error is returned only if the batch failed as a whole.
func (s *Sink[T]) Publish(ctx context.Context, jobs []*queue.Job[T]) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msgs := make([]*sarama.ProducerMessage, 0, len(jobs))
	for _, job := range jobs {
		key, value, err := s.Encode(job.Message)
		if err != nil {
			job.SetResult(queue.Failed(CodeEncodeError, err))
			continue
		}
		msg := &sarama.ProducerMessage{
			Topic:    s.Topic,
			Value:    sarama.ByteEncoder(value),
			Metadata: job,
		}
		if key != nil {
			msg.Key = sarama.ByteEncoder(key)
		}
		msgs = append(msgs, msg)
	}
	if len(msgs) == 0 {
		return nil
	}
	err := s.Producer.SendMessages(msgs)
	var perrs sarama.ProducerErrors
	if errors.As(err, &perrs) && len(perrs) < len(msgs) {
		for _, perr := range perrs {
			job, ok := perr.Msg.Metadata.(*queue.Job[T])
			if !ok {
				return fmt.Errorf("kafkasink: foreign message in producer errors: %w", perr.Err)
			}
			job.SetResult(queue.Failed(CodeKafkaError, perr.Err))
		}
		err = nil
	}
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", s.Topic, err)
	}
	for _, msg := range msgs {
		job := msg.Metadata.(*queue.Job[T])
		if !job.Result().IsError() {
			job.SetResult(queue.Done(CodePublished))
		}
	}
	return nil
}
