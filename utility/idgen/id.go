package idgen

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"runtime"
	"sync"
	"time"
)

var (
	ErrClockBackward = errors.New("clock backward")
	ErrIdLength      = errors.New("raw id length is not 16")
)

const (
	_defaultEpochMillis int64 = 1521639000000 // 20180321213000

	maxSeq = int32(0x7fffffff)
)

// IdType is 128 bits: 48 bits time + 16 bits nodeId | 32 bits elementId + 32 bits seq
type IdType [2]int64

func (i IdType) CompareTo(o IdType) int {
	switch {
	case i[0] != o[0]:
		if i[0] > o[0] {
			return 1
		}
		return -1
	case i[1] > o[1]:
		return 1
	case i[1] < o[1]:
		return -1
	default:
		return 0
	}
}

func (i IdType) Bytes() []byte {
	b := make([]byte, 16)
	binary.BigEndian.PutUint64(b[0:8], uint64(i[0]))
	binary.BigEndian.PutUint64(b[8:16], uint64(i[1]))
	return b
}

func (i IdType) HexString() string {
	return hex.EncodeToString(i.Bytes())
}

func (i IdType) String() string {
	return i.HexString()
}

func FromHexString(str string) (IdType, error) {
	b, err := hex.DecodeString(str)
	if err != nil {
		return IdType{}, err
	}
	if len(b) != 16 {
		return IdType{}, ErrIdLength
	}
	return IdType{
		int64(binary.BigEndian.Uint64(b[0:8])),
		int64(binary.BigEndian.Uint64(b[8:16])),
	}, nil
}

type IdGenOption struct {
	// EpochMillis is subtracted from the wall clock, defaults to 2018-03-21
	EpochMillis int64
}

type IdGen struct {
	lock sync.Mutex

	lastMillis int64
	seq        int32

	high int64 // nodeId bits
	low  int64 // elementId bits

	epoch int64
}

func NewIdGen(nodeId int16, elementId int32, opt IdGenOption) *IdGen {
	epoch := opt.EpochMillis
	if epoch == 0 {
		epoch = _defaultEpochMillis
	}
	return &IdGen{
		high:  int64(nodeId) & 0xFFFF,
		low:   (int64(elementId) & 0xFFFFFFFF) << 32,
		epoch: epoch,
	}
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// Next is safe for concurrent use. It fails only when the wall clock moves backwards.
func (g *IdGen) Next() (IdType, error) {
	now := nowMillis()

	g.lock.Lock()
	defer g.lock.Unlock()

	switch {
	case now < g.lastMillis:
		return IdType{}, ErrClockBackward
	case now == g.lastMillis && g.seq < maxSeq:
		g.seq++
	case now == g.lastMillis:
		// sequence exhausted inside this millisecond
		now = waitNextMillis(now)
		g.lastMillis = now
		g.seq = 0
	default:
		g.lastMillis = now
		g.seq = 0
	}
	return g.compose(now, g.seq), nil
}

func (g *IdGen) compose(millis int64, seq int32) IdType {
	return IdType{
		((millis - g.epoch) << 16) | g.high,
		g.low | (int64(seq) & 0xFFFFFFFF),
	}
}

func waitNextMillis(last int64) int64 {
	for {
		if now := nowMillis(); now > last {
			return now
		}
		runtime.Gosched()
	}
}
