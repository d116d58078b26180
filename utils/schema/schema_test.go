package schema

import (
	"testing"

	"github.com/caracal-pipeline/stimela/utils/ordered"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseType(t *testing.T) {
	tests := []struct {
		dtype   string
		wantErr bool
	}{
		{"str", false},
		{"int", false},
		{"File", false},
		{"MS", false},
		{"List[File]", false},
		{"Optional[int]", false},
		{"Dict[str, int]", false},
		{"Union[int, str]", false},
		{"Tuple[int, int]", false},
		{"List[List[str]]", false},
		{"NotAType", true},
		{"List[", true},
		{"List[int] trailing", true},
	}
	for _, tt := range tests {
		t.Run(tt.dtype, func(t *testing.T) {
			_, err := ParseType(tt.dtype)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestTypePredicates(t *testing.T) {
	fileList, err := ParseType("List[File]")
	require.NoError(t, err)
	assert.True(t, fileList.IsFileList())
	assert.False(t, fileList.IsFileLike())
	assert.Equal(t, "File", fileList.FileLikeName())

	ms, err := ParseType("MS")
	require.NoError(t, err)
	assert.True(t, ms.IsFileLike())
	assert.True(t, ms.MustBeDir())

	file, err := ParseType("File")
	require.NoError(t, err)
	assert.False(t, file.MustBeDir())
}

func TestCheckValue(t *testing.T) {
	intType, _ := ParseType("int")
	_, err := intType.CheckValue("nope")
	assert.Error(t, err)
	value, err := intType.CheckValue(7)
	require.NoError(t, err)
	assert.Equal(t, 7, value)

	floatType, _ := ParseType("float")
	value, err = floatType.CheckValue(2)
	require.NoError(t, err)
	assert.Equal(t, 2.0, value)

	listType, _ := ParseType("List[int]")
	value, err = listType.CheckValue([]interface{}{1, 2})
	require.NoError(t, err)
	assert.Equal(t, []interface{}{1, 2}, value)
	_, err = listType.CheckValue([]interface{}{1, "x"})
	assert.Error(t, err)

	unionType, _ := ParseType("Union[int, str]")
	_, err = unionType.CheckValue("ok")
	assert.NoError(t, err)
	_, err = unionType.CheckValue(1)
	assert.NoError(t, err)
	_, err = unionType.CheckValue(1.5)
	assert.Error(t, err)
}

func TestParseShorthand(t *testing.T) {
	tests := []struct {
		input    string
		dtype    string
		def      interface{}
		required bool
		info     string
	}{
		{"str", "str", nil, false, ""},
		{"File*", "File", nil, true, ""},
		{"int=3", "int", "3", false, ""},
		{`str="a default" "with info"`, "str", "a default", false, "with info"},
		{`int* "number of channels"`, "int", nil, true, "number of channels"},
		{`str=x "an info string"`, "str", "x", false, "an info string"},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			par, err := ParseShorthand(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.dtype, par.Dtype)
			assert.Equal(t, tt.def, par.Default)
			assert.Equal(t, tt.required, par.Required)
			assert.Equal(t, tt.info, par.Info)
		})
	}

	_, err := ParseShorthand("Bogus*")
	assert.Error(t, err)
}

func TestFlattenSchemas(t *testing.T) {
	io, err := ordered.Unmarshal([]byte(`
msname: File*
synthesis: int=1
sub:
  dtime: int=1
  deeper:
    flag: bool
explicit:
  dtype: str
  info: a full schema
  required: true
`))
	require.NoError(t, err)

	ps, err := FlattenSchemas(NewParamSet(), io, "inputs", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"msname", "synthesis", "sub.dtime", "sub.deeper.flag", "explicit"}, ps.Keys())
	assert.True(t, ps.Get("msname").Required)
	assert.Equal(t, "1", ps.Get("sub.dtime").Default)
	assert.True(t, ps.Get("explicit").Required)
	assert.True(t, ps.Get("explicit").RequiredSet)
	assert.Equal(t, "a full schema", ps.Get("explicit").Info)
}

func TestCargoFromMap(t *testing.T) {
	conf, err := ordered.Unmarshal([]byte(`
info: a test cargo
inputs:
  msname: File*
  band: str=L
outputs:
  image: File
defaults:
  band: X
`))
	require.NoError(t, err)
	cargo, err := CargoFromMap(conf, "test")
	require.NoError(t, err)
	require.NoError(t, cargo.Finalize(""))

	assert.Equal(t, "test", cargo.Name)
	assert.Equal(t, "test", cargo.Fqname)
	assert.True(t, cargo.Inputs.Has("msname"))
	assert.True(t, cargo.Outputs.Has("image"))
	assert.Equal(t, "X", cargo.Defaults.Get("band"))
	assert.Equal(t, []string{"msname", "band", "image"}, cargo.InputsOutputs().Keys())

	// finalize is idempotent
	require.NoError(t, cargo.Finalize(""))
}

func TestCargoRejectsDuplicateParameter(t *testing.T) {
	conf, err := ordered.Unmarshal([]byte(`
inputs:
  x: int
outputs:
  x: int
`))
	require.NoError(t, err)
	_, err = CargoFromMap(conf, "dup")
	assert.Error(t, err)
}

func TestImplicitWithDefaultRejected(t *testing.T) {
	par := &Parameter{Dtype: "str", Implicit: "value", Default: "other"}
	assert.Error(t, par.Finalize("p"))
}
