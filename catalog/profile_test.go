package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecuteCommand(t *testing.T) {
	c, err := Default()
	require.NoError(t, err)

	tests := []struct {
		lang string
		file string
		want string
	}{
		{"python", "main.py", "python -u main.py"},
		{"javascript", "main.js", "node main.js"},
		{"go", "main.go", "go run main.go"},
		{"cpp", "main.cpp", "g++ -std=c++17 main.cpp -o output && ./output"},
		{"java", "Solution.java", "javac Solution.java && java Solution"},
	}
	for _, tt := range tests {
		t.Run(tt.lang, func(t *testing.T) {
			p, err := c.Resolve(tt.lang)
			require.NoError(t, err)
			assert.Equal(t, []string{"sh", "-c", tt.want}, p.ExecuteCommand(tt.file))
		})
	}
}

func TestFileNameFor(t *testing.T) {
	c, err := Default()
	require.NoError(t, err)

	java, _ := c.Resolve("java")
	assert.Equal(t, "Solution.java", java.FileNameFor("public class Solution {\n public static void main(String[] a) {} }"))
	assert.Equal(t, "main.java", java.FileNameFor("class Hidden {}"))

	py, _ := c.Resolve("python")
	assert.Equal(t, "main.py", py.FileNameFor("print('hi')"))
}

func TestPackages(t *testing.T) {
	c, err := Default()
	require.NoError(t, err)
	py, _ := c.Resolve("python")

	assert.True(t, py.NeedsBuildTools([]string{"requests", "NumPy"}))
	assert.False(t, py.NeedsBuildTools([]string{"requests"}))

	assert.Equal(t, []string{"sh", "-c", "pip install --no-cache-dir requests json5 urllib3"}, py.InstallCommand(py.CommonPackages))
	assert.Nil(t, py.InstallCommand(nil))

	cpp, _ := c.Resolve("cpp")
	assert.Nil(t, cpp.InstallCommand([]string{"boost"}))

	assert.True(t, ValidPackageName("requests==2.31.0"))
	assert.True(t, ValidPackageName("@types/node"))
	assert.False(t, ValidPackageName("x; rm -rf /"))
	assert.False(t, ValidPackageName("$(whoami)"))
	assert.False(t, ValidPackageName(""))
}
