package fields

import (
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/signalnine/credo/internal/config"
	"github.com/signalnine/credo/internal/filelock"
	"github.com/signalnine/credo/internal/model"
)

const (
	stgNamespace   = "http://www.vpac.org/StGermain/XML_IO_Handler/Jun2003"
	fieldTestType  = "StgFEM_FieldTest"
	numericFields  = "NumericFields"
	pluginDataName = "pluginData"
)

type stgParam struct {
	XMLName xml.Name `xml:"param"`
	Name    string   `xml:"name,attr,omitempty"`
	Value   string   `xml:",chardata"`
}

type stgList struct {
	XMLName   xml.Name      `xml:"list"`
	Name      string        `xml:"name,attr"`
	MergeType string        `xml:"mergeType,attr,omitempty"`
	Items     []interface{} `xml:",any"`
}

type stgStruct struct {
	XMLName   xml.Name      `xml:"struct"`
	Name      string        `xml:"name,attr,omitempty"`
	MergeType string        `xml:"mergeType,attr,omitempty"`
	Items     []interface{} `xml:",any"`
}

type stgDoc struct {
	XMLName xml.Name      `xml:"StGermainData"`
	XMLNS   string        `xml:"xmlns,attr"`
	Items   []interface{} `xml:",any"`
}

func param(name, value string) stgParam { return stgParam{Name: name, Value: value} }

// AnalysisXML renders the field-test plugin configuration that makes the
// simulation write convergence files for the listed fields.
func (l *List) AnalysisXML() ([]byte, error) {
	data := []interface{}{
		param("testTimestep", strconv.Itoa(l.TestTimestep)),
		param("appendToAnalysisFile", "true"),
		param("normaliseByAnalyticSolution", "true"),
	}
	if !l.FromConfig {
		fieldsList := stgList{Name: numericFields, MergeType: "replace"}
		for _, p := range l.pairs {
			fieldsList.Items = append(fieldsList.Items, stgParam{Value: p[0]}, stgParam{Value: p[1]})
		}
		data = append([]interface{}{fieldsList}, data...)
	}
	switch l.Mode {
	case Reference:
		data = append(data,
			param("useReferenceSolutionFromFile", "true"),
			param("referenceSolutionFilePath", l.ReferencePath))
	case HighResReference:
		data = append(data,
			param("useReferenceSolutionFromFile", "true"),
			param("useHighResReferenceSolutionFromFile", "true"),
			param("referenceSolutionFilePath", l.ReferencePath))
	default:
		data = append(data, param("useReferenceSolutionFromFile", "false"))
	}
	doc := stgDoc{
		XMLNS: stgNamespace,
		Items: []interface{}{
			stgList{Name: "plugins", MergeType: "merge", Items: []interface{}{
				stgStruct{Items: []interface{}{param("Type", fieldTestType), param("Context", "context")}},
			}},
			stgStruct{Name: pluginDataName, MergeType: "merge", Items: data},
		},
	}
	out, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshaling analysis config: %w", err)
	}
	return append([]byte(xml.Header), out...), nil
}

// AttachTo writes the analysis configuration into dir and appends it to the
// run's input files.
func (l *List) AttachTo(run *model.Run, dir string) error {
	data, err := l.AnalysisXML()
	if err != nil {
		return err
	}
	path, err := filepath.Abs(filepath.Join(dir, run.Name+"-fieldTest.xml"))
	if err != nil {
		return err
	}
	if err := filelock.AtomicWrite(path, data); err != nil {
		return fmt.Errorf("writing analysis config for %s: %w", run.Name, err)
	}
	run.InputFiles = append(run.InputFiles, path)
	return nil
}

// ResolveFromConfig fills a from-config list with the fields named in the
// model's input files. Lists with explicit fields are left alone.
func (l *List) ResolveFromConfig(inputFiles []string, basePath string, env *config.Environment) error {
	if !l.FromConfig {
		return nil
	}
	names, err := ReadFieldsFromConfig(inputFiles, basePath, env)
	if err != nil {
		return err
	}
	if len(names) == 0 {
		return fmt.Errorf("no %s list in %s", numericFields, strings.Join(inputFiles, ", "))
	}
	// FromConfig stays set, so AnalysisXML leaves the model's own
	// NumericFields list in charge.
	for _, n := range names {
		l.Add(n)
	}
	return nil
}

// ReadFieldsFromConfig returns the compared field names from every
// NumericFields list in the input files. The list alternates field and
// expected-solution names; only the former are returned.
func ReadFieldsFromConfig(inputFiles []string, basePath string, env *config.Environment) ([]string, error) {
	var names []string
	seen := map[string]bool{}
	for _, f := range inputFiles {
		path, ok := env.FindInputFile(f, basePath)
		if !ok {
			return nil, fmt.Errorf("input file %s not found", f)
		}
		fh, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		entries, err := numericFieldEntries(fh)
		fh.Close()
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
		for i := 0; i < len(entries); i += 2 {
			if !seen[entries[i]] {
				seen[entries[i]] = true
				names = append(names, entries[i])
			}
		}
	}
	return names, nil
}

func numericFieldEntries(r io.Reader) ([]string, error) {
	dec := xml.NewDecoder(r)
	var entries []string
	depth, listDepth := 0, -1
	var text strings.Builder
	inParam := false
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return entries, nil
		}
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			depth++
			if t.Name.Local == "list" && listDepth < 0 && attr(t, "name") == numericFields {
				listDepth = depth
			} else if listDepth >= 0 && depth == listDepth+1 && t.Name.Local == "param" {
				inParam = true
				text.Reset()
			}
		case xml.CharData:
			if inParam {
				text.Write(t)
			}
		case xml.EndElement:
			if inParam && depth == listDepth+1 {
				entries = append(entries, strings.TrimSpace(text.String()))
				inParam = false
			}
			if depth == listDepth {
				listDepth = -1
			}
			depth--
		}
	}
}

func attr(e xml.StartElement, name string) string {
	for _, a := range e.Attr {
		if a.Name.Local == name {
			return a.Value
		}
	}
	return ""
}
