package config

import (
	"os"
	"strings"
	"testing"
)

// FuzzDependencyTOML feeds random-ish fields into a tiny TOML and ensures
// the loader does not panic and rejects what it cannot use.
func FuzzDependencyTOML(f *testing.F) {
	f.Add("database", "store", "sqlite:///tmp/x.db", "@every 5m") // name, kind, dsn, schedule
	f.Add("", "cache", "", "5m")
	f.Add("wh", "warehouse", "clickhouse://localhost:9000", "soon")

	f.Fuzz(func(t *testing.T, name, kind, dsn, schedule string) {
		clean := func(s string) string {
			return strings.NewReplacer("\"", "", "\\", "", "\n", "", "\r", "").Replace(s)
		}
		b := strings.Builder{}
		b.WriteString("[[dependencies]]\n")
		b.WriteString("name = \"" + clean(name) + "\"\n")
		b.WriteString("kind = \"" + clean(kind) + "\"\n")
		b.WriteString("dsn = \"" + clean(dsn) + "\"\n")
		b.WriteString("[[schedules]]\n")
		b.WriteString("name = \"job\"\n")
		b.WriteString("schedule = \"" + clean(schedule) + "\"\n")
		tmp := t.TempDir() + "/fuzz.toml"
		if err := os.WriteFile(tmp, []byte(b.String()), 0o644); err != nil {
			t.Skip()
		}
		c, err := Load(tmp) // must not panic
		if err == nil && (len(c.Dependencies) != 1 || c.Dependencies[0].Name == "") {
			t.Fatalf("accepted invalid dependency: %+v", c.Dependencies)
		}
	})
}
