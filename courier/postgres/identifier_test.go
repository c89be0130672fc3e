//go:build unit

package postgres

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateIdentifierPath(t *testing.T) {
	t.Parallel()

	for _, valid := range []string{"outbox_messages", "public.outbox_messages", "tenant_01.inbox_messages"} {
		require.NoError(t, ValidateIdentifierPath(valid), valid)
	}

	invalid := []string{
		"",
		"123table",
		"outbox-messages",
		"public.",
		`public."outbox"`,
		`outbox"; DROP TABLE users; --`,
		"a.b.c",
		strings.Repeat("a", 64),
	}

	for _, candidate := range invalid {
		require.ErrorIs(t, ValidateIdentifierPath(candidate), ErrInvalidIdentifier, candidate)
	}
}

func TestQuoteIdentifierPath(t *testing.T) {
	t.Parallel()

	assert.Equal(t, `"outbox_messages"`, QuoteIdentifierPath("outbox_messages"))
	assert.Equal(t, `"public"."outbox_messages"`, QuoteIdentifierPath("public.outbox_messages"))
	assert.Equal(t, `"public"."out""box"`, QuoteIdentifierPath(`public.out"box`))
}
