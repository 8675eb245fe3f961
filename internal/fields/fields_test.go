package fields

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalnine/credo/internal/config"
	"github.com/signalnine/credo/internal/convergence"
	"github.com/signalnine/credo/internal/model"
	"github.com/signalnine/credo/internal/result"
)

func TestWithinTolerance(t *testing.T) {
	ok := &Result{Field: "VelocityField", DofErrors: []float64{0.1, 0.2}}
	assert.True(t, ok.WithinTolerance(0.3))
	bad := &Result{Field: "VelocityField", DofErrors: []float64{0.4, 0.2}}
	assert.False(t, bad.WithinTolerance(0.3))
	assert.Equal(t, []int{1}, bad.FailedDofs(0.3))
	edge := &Result{Field: "PressureField", DofErrors: []float64{0.3}}
	assert.True(t, edge.WithinTolerance(0.3), "an error equal to the tolerance passes")
}

func writeCvg(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestGetResult(t *testing.T) {
	dir := t.TempDir()
	writeCvg(t, dir, "CosineHill-analysis.cvg",
		"# Timestep VelocityField1 VelocityField2 PressureField1\n"+
			"1 0.5 0.6 0.9\n"+
			"# Timestep VelocityField1 VelocityField2 PressureField1\n"+
			"2 0.01 0.02 0.05\n")
	mr := result.NewModelResult("cosine", dir, nil)

	r, err := Op{Field: "VelocityField"}.GetResult(mr)
	require.NoError(t, err)
	assert.Equal(t, []float64{0.01, 0.02}, r.DofErrors)

	_, err = Op{Field: "TemperatureField"}.GetResult(mr)
	var nf *convergence.FieldNotIndexedError
	require.True(t, errors.As(err, &nf), "got %v", err)
	assert.Equal(t, []string{"PressureField", "VelocityField"}, nf.Available)
	assert.Contains(t, err.Error(), "VelocityField")
}

func TestListResults(t *testing.T) {
	dir := t.TempDir()
	writeCvg(t, dir, "a.cvg", "# VelocityField1 PressureField1\n0.1 0.2\n")
	l := NewList(Analytic, "VelocityField", "PressureField", "VelocityField")
	assert.Equal(t, []string{"VelocityField", "PressureField"}, l.Fields())
	res, err := l.Results(result.NewModelResult("m", dir, nil))
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Equal(t, "PressureField", res[1].Field)
	assert.Equal(t, []float64{0.2}, res[1].DofErrors)
}

func TestAnalysisXML(t *testing.T) {
	l := NewList(Reference, "VelocityField")
	l.ReferencePath = "/fixtures/solcx"
	l.TestTimestep = 5
	data, err := l.AnalysisXML()
	require.NoError(t, err)
	s := string(data)
	for _, want := range []string{
		`<StGermainData xmlns="http://www.vpac.org/StGermain/XML_IO_Handler/Jun2003">`,
		`<param name="Type">StgFEM_FieldTest</param>`,
		`<list name="NumericFields" mergeType="replace">`,
		`<param>VelocityField</param>`,
		`<param name="testTimestep">5</param>`,
		`<param name="useReferenceSolutionFromFile">true</param>`,
		`<param name="referenceSolutionFilePath">/fixtures/solcx</param>`,
	} {
		assert.Contains(t, s, want)
	}
	assert.Equal(t, 2, strings.Count(s, "<param>VelocityField</param>"), "reference mode compares a field with itself")

	analytic, err := NewList(Analytic, "PressureField").AnalysisXML()
	require.NoError(t, err)
	assert.Contains(t, string(analytic), "<param>AnalyticPressureField</param>")
	assert.Contains(t, string(analytic), `<param name="useReferenceSolutionFromFile">false</param>`)
}

const modelXML = `<?xml version="1.0"?>
<StGermainData xmlns="http://www.vpac.org/StGermain/XML_IO_Handler/Jun2003">
  <list name="plugins">
    <param>ignored</param>
  </list>
  <struct name="pluginData">
    <list name="NumericFields">
      <param>VelocityField</param> <param>AnalyticVelocityField</param>
      <param>PressureField</param> <param>AnalyticPressureField</param>
    </list>
  </struct>
</StGermainData>
`

func TestResolveFromConfig(t *testing.T) {
	base := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(base, "SolCx.xml"), []byte(modelXML), 0o644))
	env := &config.Environment{}

	names, err := ReadFieldsFromConfig([]string{"SolCx.xml"}, base, env)
	require.NoError(t, err)
	assert.Equal(t, []string{"VelocityField", "PressureField"}, names)

	l := NewList(Analytic)
	require.True(t, l.FromConfig)
	require.NoError(t, l.ResolveFromConfig([]string{"SolCx.xml"}, base, env))
	assert.Equal(t, []string{"VelocityField", "PressureField"}, l.Fields())
	data, err := l.AnalysisXML()
	require.NoError(t, err)
	assert.NotContains(t, string(data), "NumericFields", "the model's own list is kept")

	_, err = ReadFieldsFromConfig([]string{"Missing.xml"}, base, env)
	assert.Error(t, err)
}

func TestAttachTo(t *testing.T) {
	params := model.NewSimParams()
	params.NSteps = 1
	run, err := model.NewRun("solcx", []string{"SolCx.xml"}, "out", params, nil)
	require.NoError(t, err)
	dir := t.TempDir()
	require.NoError(t, NewList(Analytic, "VelocityField").AttachTo(run, dir))
	require.Len(t, run.InputFiles, 2)
	assert.Equal(t, filepath.Join(dir, "solcx-fieldTest.xml"), run.InputFiles[1])
	assert.FileExists(t, run.InputFiles[1])
}
