package app

import (
	"reflect"
	"testing"
	"time"
)

func TestEnvHelpers(t *testing.T) {
	t.Setenv("TC_TEST_STR", "  value ")
	t.Setenv("TC_TEST_BOOL", "true")
	t.Setenv("TC_TEST_BAD_BOOL", "maybe")
	t.Setenv("TC_TEST_INT", "42")
	t.Setenv("TC_TEST_NEG_INT", "-1")
	t.Setenv("TC_TEST_INT32", "0")
	t.Setenv("TC_TEST_INT64", "9000000000")
	t.Setenv("TC_TEST_DUR", "150ms")
	t.Setenv("TC_TEST_BAD_DUR", "soon")
	t.Setenv("TC_TEST_LIST", " type, id ,,status ")
	t.Setenv("TC_TEST_EMPTY_LIST", " , ")

	if got := EnvString("TC_TEST_STR", "def"); got != "value" {
		t.Fatalf("EnvString=%q want=value", got)
	}
	if got := EnvString("TC_TEST_UNSET", "def"); got != "def" {
		t.Fatalf("EnvString unset=%q want=def", got)
	}
	if got := EnvBool("TC_TEST_BOOL", false); !got {
		t.Fatalf("EnvBool=%v want=true", got)
	}
	if got := EnvBool("TC_TEST_BAD_BOOL", true); !got {
		t.Fatalf("EnvBool bad=%v want default true", got)
	}
	if got := EnvInt("TC_TEST_INT", 1); got != 42 {
		t.Fatalf("EnvInt=%d want=42", got)
	}
	if got := EnvInt("TC_TEST_NEG_INT", 7); got != 7 {
		t.Fatalf("EnvInt negative=%d want default 7", got)
	}
	if got := EnvInt32("TC_TEST_INT32", 5); got != 0 {
		t.Fatalf("EnvInt32=%d want=0", got)
	}
	if got := EnvInt64("TC_TEST_INT64", 1); got != 9000000000 {
		t.Fatalf("EnvInt64=%d", got)
	}
	if got := EnvDuration("TC_TEST_DUR", time.Second); got != 150*time.Millisecond {
		t.Fatalf("EnvDuration=%v", got)
	}
	if got := EnvDuration("TC_TEST_BAD_DUR", time.Second); got != time.Second {
		t.Fatalf("EnvDuration bad=%v want default", got)
	}
	if got := EnvList("TC_TEST_LIST", nil); !reflect.DeepEqual(got, []string{"type", "id", "status"}) {
		t.Fatalf("EnvList=%v", got)
	}
	if got := EnvList("TC_TEST_EMPTY_LIST", []string{"x"}); !reflect.DeepEqual(got, []string{"x"}) {
		t.Fatalf("EnvList empty=%v want default", got)
	}
}
