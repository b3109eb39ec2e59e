package tracing

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/attribute"
)

func TestSafeAttributesDropsPII(t *testing.T) {
	attrs := SafeAttributes(
		attribute.String("email", "donor@example.org"),
		attribute.String("record.kind", "donation"),
	)
	if assert.Len(t, attrs, 1) {
		assert.Equal(t, attribute.Key("record.kind"), attrs[0].Key)
	}
}

func TestSafeErrorRedactsEmails(t *testing.T) {
	err := SafeError(errors.New("no customer found for donor@example.org in live mode"))
	assert.EqualError(t, err, "no customer found for [redacted] in live mode")
	assert.Nil(t, SafeError(nil))
}
