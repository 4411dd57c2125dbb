package store

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()

	client, err := ConnectRedis(context.Background(), RedisConfig{Addr: addr})
	require.NoError(t, err)
	assert.NoError(t, client.Close())

	// the address is no longer served once the server stops
	mr.Close()
	_, err = ConnectRedis(context.Background(), RedisConfig{Addr: addr})
	assert.Error(t, err)
}

func TestConnectMongoValidatesConfig(t *testing.T) {
	_, err := ConnectMongo(context.Background(), MongoConfig{DatabaseName: "pollyd"})
	assert.ErrorContains(t, err, "URI is required")

	_, err = ConnectMongo(context.Background(), MongoConfig{URI: "mongodb://localhost:27017"})
	assert.ErrorContains(t, err, "database name is required")
}
