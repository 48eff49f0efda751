package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPasswordVerifier(t *testing.T) {
	v := NewPasswordVerifier("s3cret")

	assert.True(t, v.Verify("s3cret"))
	assert.False(t, v.Verify("S3cret"))
	assert.False(t, v.Verify(""))
	assert.False(t, v.Verify("s3cret "))
}

func TestPasswordVerifier_EmptyRejectsAll(t *testing.T) {
	v := NewPasswordVerifier("")
	assert.False(t, v.Verify(""))
	assert.False(t, v.Verify("anything"))
}

func TestPasswordVerifier_Rotate(t *testing.T) {
	v := NewPasswordVerifier("old")
	v.SetPassword("new")
	assert.False(t, v.Verify("old"))
	assert.True(t, v.Verify("new"))
}

func TestVerifierFunc(t *testing.T) {
	var v Verifier = VerifierFunc(func(p string) bool { return p == "ok" })
	assert.True(t, v.Verify("ok"))
	assert.False(t, v.Verify("no"))
}
