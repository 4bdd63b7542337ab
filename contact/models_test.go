package contact

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFullName(t *testing.T) {
	assert.Equal(t, "Anna de Vries", Contact{FirstName: "Anna", LastName: "de Vries"}.FullName())
	assert.Equal(t, "Anna", Contact{FirstName: "Anna"}.FullName())
	assert.Equal(t, "de Vries", Contact{LastName: "de Vries"}.FullName())
}

func TestOptedOut(t *testing.T) {
	assert.True(t, Contact{OutreachStatus: StatusOptedOut}.OptedOut())
	assert.False(t, Contact{OutreachStatus: StatusReplied}.OptedOut())
}
