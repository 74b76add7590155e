package idgen

import (
	"fmt"
	"strconv"
	"sync"
	"time"
)

// ============================================================================
// 雪花算法 ID 生成器，用于账本事件编号
// ============================================================================
//
//   0 - 41位时间戳 - 10位机器ID - 12位序列号
//
// 同一毫秒内序列号用尽时等待下一毫秒；时钟回拨时沿用上次时间戳继续递增序列号。
//
// ============================================================================

const (
	epoch          = int64(1704067200000) // 2024-01-01 00:00:00 UTC
	workerIDBits   = 10
	sequenceBits   = 12
	maxWorkerID    = -1 ^ (-1 << workerIDBits)
	maxSequence    = -1 ^ (-1 << sequenceBits)
	workerIDShift  = sequenceBits
	timestampShift = sequenceBits + workerIDBits
)

// Snowflake 雪花算法ID生成器
type Snowflake struct {
	mu        sync.Mutex
	timestamp int64
	workerID  int64
	sequence  int64
}

// NewSnowflake 创建生成器，workerID 取值 0-1023
func NewSnowflake(workerID int64) (*Snowflake, error) {
	if workerID < 0 || workerID > maxWorkerID {
		return nil, fmt.Errorf("workerID must be between 0 and %d", maxWorkerID)
	}
	return &Snowflake{workerID: workerID}, nil
}

// Generate 生成ID
func (s *Snowflake) Generate() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UnixMilli()
	if now < s.timestamp {
		now = s.timestamp
	}

	if now == s.timestamp {
		s.sequence = (s.sequence + 1) & maxSequence
		if s.sequence == 0 {
			for now <= s.timestamp {
				now = time.Now().UnixMilli()
			}
		}
	} else {
		s.sequence = 0
	}
	s.timestamp = now

	return ((now - epoch) << timestampShift) | (s.workerID << workerIDShift) | s.sequence
}

var (
	defaultGenerator *Snowflake
	once             sync.Once
)

// Init 设置默认生成器的机器ID，只有第一次调用生效
func Init(workerID int64) error {
	var err error
	once.Do(func() {
		g, e := NewSnowflake(workerID)
		if e != nil {
			err = e
			g, _ = NewSnowflake(1)
		}
		defaultGenerator = g
	})
	return err
}

// NextID 使用默认生成器生成ID，未初始化时使用 workerID = 1
func NextID() int64 {
	once.Do(func() {
		defaultGenerator, _ = NewSnowflake(1)
	})
	return defaultGenerator.Generate()
}

// GenerateEventNo 生成账本事件编号，例如 EVT123456789012345
func GenerateEventNo() string {
	return "EVT" + strconv.FormatInt(NextID(), 10)
}
