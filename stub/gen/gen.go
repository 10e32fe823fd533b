// Package gen generates stub types for remote interfaces.
//
// Given a Go source file, it emits one unexported struct per interface whose
// methods forward to stub.Invoker, plus an init function registering the
// constructor with the stub package. Supported method shapes:
//
//	M(ctx context.Context, args...) (R, error)
//	M(ctx context.Context, args...) error
//
// The leading context is optional; without it the stub calls with
// context.Background().
package gen

import (
	"bytes"
	"fmt"
	"go/ast"
	"go/format"
	"go/parser"
	"go/printer"
	"go/token"
	"path"
	"sort"
	"strconv"
	"strings"
	"text/template"
	"unicode"

	"github.com/pkg/errors"
)

// DefaultStubImport is the import path of the stub runtime.
const DefaultStubImport = "remoting/stub"

type Options struct {
	Package    string   // package clause of the output, defaults to the source package
	Types      []string // interfaces to generate, empty means every interface in the file
	StubImport string   // defaults to DefaultStubImport
}

type Import struct {
	Name string // empty when the default name is used
	Path string
}

type Param struct {
	Name string
	Type string
}

type Method struct {
	Name   string
	Ctx    string // name of the context parameter, empty if absent
	Params []Param
	Result string // type of the non-error result, empty for error-only methods
}

type Interface struct {
	Name    string
	Methods []Method
}

// File is the parsed model handed to the template.
type File struct {
	Source     string
	Package    string
	Imports    []Import
	Interfaces []Interface
}

// reserved names used by the generated method bodies.
var reserved = map[string]bool{"s": true, "reply": true, "err": true, "stub": true, "context": true}

type parseState struct {
	fset    *token.FileSet
	imports map[string]Import // local name → import
	used    map[string]bool   // local names referenced by signatures
}

// Parse reads filename (or src, if non-nil) and builds the model for the
// requested interfaces.
func Parse(filename string, src any, opts Options) (*File, error) {
	fset := token.NewFileSet()
	af, err := parser.ParseFile(fset, filename, src, parser.SkipObjectResolution)
	if err != nil {
		return nil, errors.Wrap(err, "parse source")
	}

	st := &parseState{
		fset:    fset,
		imports: make(map[string]Import),
		used:    make(map[string]bool),
	}
	for _, spec := range af.Imports {
		p, err := strconv.Unquote(spec.Path.Value)
		if err != nil {
			return nil, errors.Wrapf(err, "import %s", spec.Path.Value)
		}
		imp := Import{Path: p}
		name := path.Base(p)
		if spec.Name != nil {
			if spec.Name.Name == "_" || spec.Name.Name == "." {
				continue
			}
			name = spec.Name.Name
			imp.Name = name
		}
		st.imports[name] = imp
	}

	wanted := make(map[string]bool, len(opts.Types))
	for _, t := range opts.Types {
		wanted[t] = false
	}

	out := &File{Source: path.Base(filename), Package: af.Name.Name}
	if opts.Package != "" {
		out.Package = opts.Package
	}

	for _, decl := range af.Decls {
		gd, ok := decl.(*ast.GenDecl)
		if !ok || gd.Tok != token.TYPE {
			continue
		}
		for _, spec := range gd.Specs {
			ts := spec.(*ast.TypeSpec)
			it, ok := ts.Type.(*ast.InterfaceType)
			if !ok {
				continue
			}
			if len(wanted) > 0 {
				if _, ok := wanted[ts.Name.Name]; !ok {
					continue
				}
				wanted[ts.Name.Name] = true
			}
			if ts.TypeParams != nil {
				return nil, errors.Errorf("%s: generic interfaces are not supported", ts.Name.Name)
			}
			iface, err := st.parseInterface(ts.Name.Name, it)
			if err != nil {
				return nil, err
			}
			out.Interfaces = append(out.Interfaces, iface)
		}
	}

	for name, found := range wanted {
		if !found {
			return nil, errors.Errorf("interface %s not found in %s", name, filename)
		}
	}
	if len(out.Interfaces) == 0 {
		return nil, errors.Errorf("no interfaces in %s", filename)
	}

	out.Imports = st.collectImports(opts)
	return out, nil
}

func (st *parseState) parseInterface(name string, it *ast.InterfaceType) (Interface, error) {
	iface := Interface{Name: name}
	for _, field := range it.Methods.List {
		if len(field.Names) == 0 {
			return iface, errors.Errorf("%s: embedded interfaces are not supported", name)
		}
		ft, ok := field.Type.(*ast.FuncType)
		if !ok {
			return iface, errors.Errorf("%s: unexpected method type", name)
		}
		m, err := st.parseMethod(field.Names[0].Name, ft)
		if err != nil {
			return iface, errors.Wrapf(err, "%s.%s", name, field.Names[0].Name)
		}
		iface.Methods = append(iface.Methods, m)
	}
	if len(iface.Methods) == 0 {
		return iface, errors.Errorf("%s has no methods", name)
	}
	return iface, nil
}

func (st *parseState) parseMethod(name string, ft *ast.FuncType) (Method, error) {
	m := Method{Name: name}

	type field struct {
		name string
		typ  ast.Expr
	}
	var fields []field
	for _, f := range ft.Params.List {
		if _, ok := f.Type.(*ast.Ellipsis); ok {
			return m, errors.New("variadic parameters are not supported")
		}
		if len(f.Names) == 0 {
			fields = append(fields, field{typ: f.Type})
			continue
		}
		for _, n := range f.Names {
			fields = append(fields, field{name: n.Name, typ: f.Type})
		}
	}
	for i := range fields {
		if fields[i].name == "" || fields[i].name == "_" || reserved[fields[i].name] {
			fields[i].name = fmt.Sprintf("arg%d", i)
		}
	}
	if len(fields) > 0 && st.isContext(fields[0].typ) {
		m.Ctx = fields[0].name
		fields = fields[1:]
	}
	for _, f := range fields {
		m.Params = append(m.Params, Param{Name: f.name, Type: st.expr(f.typ)})
	}

	var results []ast.Expr
	if ft.Results != nil {
		for _, f := range ft.Results.List {
			for i := 0; i < max(len(f.Names), 1); i++ {
				results = append(results, f.Type)
			}
		}
	}
	if len(results) == 0 || len(results) > 2 {
		return m, errors.New("methods must return error or (T, error)")
	}
	if id, ok := results[len(results)-1].(*ast.Ident); !ok || id.Name != "error" {
		return m, errors.New("last result must be error")
	}
	if len(results) == 2 {
		m.Result = st.expr(results[0])
	}
	return m, nil
}

func (st *parseState) isContext(e ast.Expr) bool {
	sel, ok := e.(*ast.SelectorExpr)
	if !ok || sel.Sel.Name != "Context" {
		return false
	}
	x, ok := sel.X.(*ast.Ident)
	if !ok {
		return false
	}
	imp, ok := st.imports[x.Name]
	return ok && imp.Path == "context"
}

// expr prints a type expression and records the packages it references.
func (st *parseState) expr(e ast.Expr) string {
	ast.Inspect(e, func(n ast.Node) bool {
		if sel, ok := n.(*ast.SelectorExpr); ok {
			if x, ok := sel.X.(*ast.Ident); ok {
				st.used[x.Name] = true
			}
		}
		return true
	})
	var buf bytes.Buffer
	_ = printer.Fprint(&buf, st.fset, e)
	return buf.String()
}

// collectImports returns the imports the generated file needs: context, the
// stub runtime and every package referenced by a parameter or result type.
func (st *parseState) collectImports(opts Options) []Import {
	stubImport := opts.StubImport
	if stubImport == "" {
		stubImport = DefaultStubImport
	}

	set := map[Import]bool{
		{Path: "context"}:  true,
		{Path: stubImport}: true,
	}
	for name := range st.used {
		if imp, ok := st.imports[name]; ok {
			set[imp] = true
		}
	}

	imports := make([]Import, 0, len(set))
	for imp := range set {
		imports = append(imports, imp)
	}
	sort.Slice(imports, func(i, j int) bool {
		if imports[i].Path != imports[j].Path {
			return imports[i].Path < imports[j].Path
		}
		return imports[i].Name < imports[j].Name
	})
	return imports
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	r := []rune(s)
	r[0] = unicode.ToLower(r[0])
	return string(r)
}

var funcs = template.FuncMap{
	"lowerFirst": lowerFirst,
	"quote":      strconv.Quote,
	"signature": func(m Method) string {
		parts := make([]string, 0, len(m.Params)+1)
		if m.Ctx != "" {
			parts = append(parts, m.Ctx+" context.Context")
		}
		for _, p := range m.Params {
			parts = append(parts, p.Name+" "+p.Type)
		}
		return strings.Join(parts, ", ")
	},
	"results": func(m Method) string {
		if m.Result == "" {
			return "error"
		}
		return "(" + m.Result + ", error)"
	},
	"ctx": func(m Method) string {
		if m.Ctx == "" {
			return "context.Background()"
		}
		return m.Ctx
	},
	"args": func(m Method) string {
		if len(m.Params) == 0 {
			return "nil"
		}
		names := make([]string, len(m.Params))
		for i, p := range m.Params {
			names[i] = p.Name
		}
		return "[]any{" + strings.Join(names, ", ") + "}"
	},
}

var stubTemplate = template.Must(template.New("stub").Funcs(funcs).Parse(`// Code generated by stubgen from {{.Source}}. DO NOT EDIT.

package {{.Package}}

import (
{{- range .Imports}}
	{{if .Name}}{{.Name}} {{end}}{{quote .Path}}
{{- end}}
)

func init() {
{{- range .Interfaces}}
	stub.Register[{{.Name}}](New{{.Name}}Stub)
{{- end}}
}
{{range $iface := .Interfaces}}
{{- $impl := printf "%sStub" (lowerFirst .Name)}}
type {{$impl}} struct {
	inv stub.Invoker
}

// New{{.Name}}Stub returns a {{.Name}} whose calls are sent through inv.
func New{{.Name}}Stub(inv stub.Invoker) {{.Name}} {
	return &{{$impl}}{inv: inv}
}
{{range .Methods}}
func (s *{{$impl}}) {{.Name}}({{signature .}}) {{results .}} {
{{- if .Result}}
	var reply {{.Result}}
	err := s.inv.Invoke({{ctx .}}, {{quote $iface.Name}}, {{quote .Name}}, {{args .}}, &reply)
	return reply, err
{{- else}}
	return s.inv.Invoke({{ctx .}}, {{quote $iface.Name}}, {{quote .Name}}, {{args .}}, nil)
{{- end}}
}
{{end}}
{{- end}}`))

// Render executes the template and gofmts the result.
func Render(f *File) ([]byte, error) {
	var buf bytes.Buffer
	if err := stubTemplate.Execute(&buf, f); err != nil {
		return nil, errors.Wrap(err, "render stub")
	}
	src, err := format.Source(buf.Bytes())
	if err != nil {
		return nil, errors.Wrapf(err, "format stub:\n%s", buf.String())
	}
	return src, nil
}

// Generate is Parse followed by Render.
func Generate(filename string, src any, opts Options) ([]byte, error) {
	f, err := Parse(filename, src, opts)
	if err != nil {
		return nil, err
	}
	return Render(f)
}
