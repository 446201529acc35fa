//go:build integration

package retention

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"carevault/pkg/testutil/containers"
)

type RedisLockerSuite struct {
	suite.Suite
	redis  *containers.RedisContainer
	locker *RedisLocker
}

func TestRedisLockerSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(RedisLockerSuite))
}

func (s *RedisLockerSuite) SetupSuite() {
	s.redis = containers.NewRedisContainer(s.T())
	s.locker = NewRedisLocker(s.redis.Client)
}

func (s *RedisLockerSuite) SetupTest() {
	s.Require().NoError(s.redis.FlushAll(context.Background()))
}

func (s *RedisLockerSuite) TestSingleHolder() {
	ctx := context.Background()
	release, ok, err := s.locker.Acquire(ctx, lockKey, time.Minute)
	s.Require().NoError(err)
	s.Require().True(ok)

	_, ok, err = s.locker.Acquire(ctx, lockKey, time.Minute)
	s.Require().NoError(err)
	s.False(ok)

	s.Require().NoError(release(ctx))
	_, ok, err = s.locker.Acquire(ctx, lockKey, time.Minute)
	s.Require().NoError(err)
	s.True(ok)
}

func (s *RedisLockerSuite) TestStaleReleaseKeepsNewLease() {
	ctx := context.Background()
	stale, ok, err := s.locker.Acquire(ctx, lockKey, 100*time.Millisecond)
	s.Require().NoError(err)
	s.Require().True(ok)

	var current func(context.Context) error
	s.Eventually(func() bool {
		release, ok, err := s.locker.Acquire(ctx, lockKey, time.Minute)
		if err != nil || !ok {
			return false
		}
		current = release
		return true
	}, 5*time.Second, 50*time.Millisecond)

	s.Require().NoError(stale(ctx))
	s.EqualValues(1, s.redis.Client.Exists(ctx, lockKey).Val())
	s.Require().NoError(current(ctx))
	s.EqualValues(0, s.redis.Client.Exists(ctx, lockKey).Val())
}
