package diff

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

const sample = `--- a/config/server.go
+++ b/config/server.go
@@ -1,6 +1,6 @@
 package config

 const (
-	ListenAddr = "0.0.0.0:8080"
+	ListenAddr = "127.0.0.1:8080"
 	ReadTimeout = 30
 )
`

func TestParse(t *testing.T) {
	stat := Parse(sample)
	assert.Equal(t, 1, stat.LinesAdded)
	assert.Equal(t, 1, stat.LinesRemoved)
	assert.Equal(t, 1, stat.Hunks)
	assert.Equal(t, []string{"config/server.go"}, stat.Files)
	assert.False(t, stat.Empty())
}

func TestParseMultiFile(t *testing.T) {
	multi := sample + `--- a/main.go
+++ b/main.go
@@ -10,2 +10,3 @@
 	run()
+	shutdown()
`
	stat := Parse(multi)
	assert.Equal(t, 2, stat.LinesAdded)
	assert.Len(t, stat.Files, 2)
	assert.Equal(t, 2, stat.Hunks)
}

func TestParseNewFile(t *testing.T) {
	added := `--- /dev/null
+++ b/new.go
@@ -0,0 +1,2 @@
+package new
+
`
	stat := Parse(added)
	assert.Equal(t, 2, stat.LinesAdded)
	assert.Equal(t, 0, stat.LinesRemoved)
	assert.Equal(t, []string{"new.go"}, stat.Files)
}

func TestParseGarbage(t *testing.T) {
	stat := Parse("this is not a diff at all")
	assert.True(t, stat.Empty())
	assert.Equal(t, "no changes", stat.String())
}

func TestString(t *testing.T) {
	assert.Equal(t, "+1/-1 config/server.go", Parse(sample).String())

	s := Stat{LinesAdded: 4, LinesRemoved: 2, Files: []string{"a", "b", "c"}}
	assert.Equal(t, "+4/-2 (3 files)", s.String())
}
