package archive

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestObjectKeyLayout(t *testing.T) {
	at := time.Date(2024, time.March, 9, 14, 5, 6, 0, time.FixedZone("EST", -5*3600))
	require.Equal(t, "uploads/consents/2024/03/20240309T190506Z-up_1.csv", ObjectKey("consents", at, "up_1"))
	require.Equal(t, "uploads/misc/2024/03/20240309T190506Z-x.csv", ObjectKey("", at, "x"))
}

func TestDisabledConfigReturnsNilArchiver(t *testing.T) {
	a, err := New(context.Background(), Config{Endpoint: "localhost:9000"})
	require.NoError(t, err)
	require.Nil(t, a)

	key, err := a.Put(context.Background(), "consents", []byte("person_id\n1\n"))
	require.NoError(t, err)
	require.Empty(t, key)
}
