package stream

import (
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/go-redis/redismock/v8"
	"go.llib.dev/testcase/clock"
	"go.llib.dev/testcase/clock/timecop"
	"go.uber.org/zap"
)

func TestRedisStream_Push(t *testing.T) {
	// freezing time to avoid flaky tests
	timecop.Travel(t, time.Unix(1, 0), timecop.Freeze)

	tests := []struct {
		name    string
		message StreamMessage
		values  []interface{}
		err     error
	}{
		{
			name:    "key only",
			message: StreamMessage{Key: "cdr:1:A:1", CustID: 1},
			values: []interface{}{
				"key", "cdr:1:A:1",
				"timestamp", clock.Now().Unix(),
				"cust_id", int64(1),
			},
		},
		{
			name: "extra data in sorted order",
			message: StreamMessage{
				Key:    "cdr:1:A:2",
				CustID: 1,
				Data:   map[string]interface{}{"seq": int64(2), "call_id": "A"},
			},
			values: []interface{}{
				"key", "cdr:1:A:2",
				"timestamp", clock.Now().Unix(),
				"cust_id", int64(1),
				"call_id", "A",
				"seq", int64(2),
			},
		},
		{
			name:    "publish failure",
			message: StreamMessage{Key: "cdr:1:A:3", CustID: 1},
			values: []interface{}{
				"key", "cdr:1:A:3",
				"timestamp", clock.Now().Unix(),
				"cust_id", int64(1),
			},
			err: fmt.Errorf("Stream connection lost"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			redisClient, mock := redismock.NewClientMock()
			defer redisClient.Close()

			expect := mock.ExpectXAdd(&redis.XAddArgs{
				Stream: UpdatesKey(1),
				Values: tt.values,
			})
			if tt.err != nil {
				expect.SetErr(tt.err)
			} else {
				expect.SetVal("1-0")
			}

			err := NewRedisStream(redisClient, zap.NewNop()).Push(UpdatesKey(1), tt.message)
			if (err != nil) != (tt.err != nil) {
				t.Errorf("Push() error = %v, want error %v", err, tt.err)
			}

			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("There were unfulfilled Redis expectations: %s", err)
			}
		})
	}
}

func TestRedisStream_Pull(t *testing.T) {
	cfg := ConsumerConfig{
		StreamKey:     "cdr:updates:1",
		ConsumerGroup: "consumer-group-1",
		ConsumerName:  "consumer-1-100",
	}
	readArgs := &redis.XReadGroupArgs{
		Group:    cfg.ConsumerGroup,
		Consumer: cfg.ConsumerName,
		Streams:  []string{cfg.StreamKey, ">"},
		Count:    10,
		Block:    time.Second * 5,
	}

	t.Run("returns keys and acknowledges messages", func(t *testing.T) {
		redisClient, mock := redismock.NewClientMock()
		defer redisClient.Close()

		mock.ExpectXGroupCreateMkStream(cfg.StreamKey, cfg.ConsumerGroup, "$").SetErr(fmt.Errorf("BUSYGROUP Consumer Group name already exists"))
		mock.ExpectXReadGroup(readArgs).SetVal([]redis.XStream{{
			Stream: cfg.StreamKey,
			Messages: []redis.XMessage{
				{ID: "1-0", Values: map[string]interface{}{"key": "cdr:1:A:1"}},
				{ID: "2-0", Values: map[string]interface{}{"key": "cdr:1:B:1"}},
			},
		}})
		mock.ExpectXAck(cfg.StreamKey, cfg.ConsumerGroup, "1-0").SetVal(1)
		mock.ExpectXAck(cfg.StreamKey, cfg.ConsumerGroup, "2-0").SetVal(1)

		keys, err := NewRedisStream(redisClient, zap.NewNop()).Pull(cfg)
		if err != nil {
			t.Fatalf("Pull() returned error: %v", err)
		}
		if want := []string{"cdr:1:A:1", "cdr:1:B:1"}; !reflect.DeepEqual(keys, want) {
			t.Errorf("Expected keys %v, got %v", want, keys)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("There were unfulfilled Redis expectations: %s", err)
		}
	})

	t.Run("no messages", func(t *testing.T) {
		redisClient, mock := redismock.NewClientMock()
		defer redisClient.Close()

		mock.ExpectXGroupCreateMkStream(cfg.StreamKey, cfg.ConsumerGroup, "$").SetVal("OK")
		mock.ExpectXReadGroup(readArgs).RedisNil()

		keys, err := NewRedisStream(redisClient, zap.NewNop()).Pull(cfg)
		if err != nil {
			t.Fatalf("Pull() returned error: %v", err)
		}
		if len(keys) != 0 {
			t.Errorf("Expected no keys, got %v", keys)
		}
	})

	t.Run("group creation failure", func(t *testing.T) {
		redisClient, mock := redismock.NewClientMock()
		defer redisClient.Close()

		mock.ExpectXGroupCreateMkStream(cfg.StreamKey, cfg.ConsumerGroup, "$").SetErr(fmt.Errorf("WRONGTYPE Operation against a key holding the wrong kind of value"))

		if _, err := NewRedisStream(redisClient, zap.NewNop()).Pull(cfg); err == nil {
			t.Error("Expected Pull() to fail")
		}
	})
}
