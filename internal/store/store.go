// Package store 는 세션 감사 로그 저장소를 제공합니다.
package store

import (
	"context"
	"time"
)

// 세션 결과 값.
const (
	ResultDisconnected = "disconnected"
	ResultFailed       = "failed"
)

// SessionRecord 는 세션 하나의 감사 로그 행입니다.
type SessionRecord struct {
	ID        string
	Role      string
	StartedAt time.Time
	EndedAt   time.Time
	Result    string
	Error     string
}

// Store 는 세션 시작/종료를 기록하는 저장소 인터페이스입니다.
type Store interface {
	SessionStarted(ctx context.Context, rec SessionRecord) error
	SessionFinished(ctx context.Context, rec SessionRecord) error
	Close() error
}

// NopStore 는 HOP_DB_DSN 이 없을 때 사용하는 아무것도 하지 않는 Store 입니다.
type NopStore struct{}

func (NopStore) SessionStarted(context.Context, SessionRecord) error  { return nil }
func (NopStore) SessionFinished(context.Context, SessionRecord) error { return nil }
func (NopStore) Close() error                                         { return nil }

var (
	_ Store = NopStore{}
	_ Store = (*PostgresStore)(nil)
)
