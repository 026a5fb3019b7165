package graph

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"bitbucket.org/mmdatafocus/audit_backend/config"
	"bitbucket.org/mmdatafocus/audit_backend/directives"
	"bitbucket.org/mmdatafocus/audit_backend/models"
	"github.com/99designs/gqlgen/graphql"
	"github.com/vektah/gqlparser/v2"
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/gqlerror"
)

//go:embed schema.graphqls
var schemaSource string

var parsedSchema = gqlparser.MustLoadSchema(&ast.Source{Name: "schema.graphqls", Input: schemaSource})

var errIntrospectionDisabled = errors.New("introspection disabled")

// Config mirrors the shape gqlgen's executable schemas take: resolvers plus directive
// implementations.
type Config struct {
	Resolvers  *Resolver
	Directives DirectiveRoot
}

type DirectiveRoot struct {
	Auth func(ctx context.Context, obj interface{}, next graphql.Resolver, requires directives.Role) (res interface{}, err error)
}

// NewExecutableSchema serves schema.graphqls from the resolver table of cfg.Resolvers.
// Root fields run one after another for queries and mutations alike.
func NewExecutableSchema(cfg Config) graphql.ExecutableSchema {
	return &executableSchema{
		schema:     parsedSchema,
		resolvers:  cfg.Resolvers,
		fields:     cfg.Resolvers.fields(),
		directives: cfg.Directives,
	}
}

type executableSchema struct {
	schema     *ast.Schema
	resolvers  *Resolver
	fields     map[string]fieldFunc
	directives DirectiveRoot
}

func (e *executableSchema) Schema() *ast.Schema {
	return e.schema
}

func (e *executableSchema) Complexity(typeName, field string, childComplexity int, args map[string]interface{}) (int, bool) {
	return 0, false
}

func (e *executableSchema) Exec(ctx context.Context) graphql.ResponseHandler {
	opCtx := graphql.GetOperationContext(ctx)
	var root *ast.Definition
	switch opCtx.Operation.Operation {
	case ast.Query:
		root = e.schema.Query
	case ast.Mutation:
		root = e.schema.Mutation
	default:
		return graphql.OneShot(graphql.ErrorResponse(ctx, "unsupported GraphQL operation %s", opCtx.Operation.Operation))
	}

	done := false
	return func(ctx context.Context) *graphql.Response {
		if done {
			return nil
		}
		done = true
		data, errs := e.execRoot(ctx, opCtx, root)
		return &graphql.Response{Data: data, Errors: errs}
	}
}

func (e *executableSchema) execRoot(ctx context.Context, opCtx *graphql.OperationContext, root *ast.Definition) (json.RawMessage, gqlerror.List) {
	var errs gqlerror.List
	var out bytes.Buffer
	out.WriteByte('{')
	fields := graphql.CollectFields(opCtx, opCtx.Operation.SelectionSet, []string{root.Name})
	for i, field := range fields {
		if i > 0 {
			out.WriteByte(',')
		}
		writeKey(&out, field.Alias)

		path := ast.Path{ast.PathName(field.Alias)}
		value, err := e.resolveField(ctx, opCtx, root, field)
		if err != nil {
			errs = append(errs, e.fieldError(field, path, err))
			if field.Definition != nil && field.Definition.Type.NonNull {
				return nil, errs
			}
			out.WriteString("null")
			continue
		}
		out.Write(value)
	}
	out.WriteByte('}')
	return out.Bytes(), errs
}

func (e *executableSchema) resolveField(ctx context.Context, opCtx *graphql.OperationContext, root *ast.Definition, field graphql.CollectedField) (json.RawMessage, error) {
	switch field.Name {
	case "__typename":
		return json.Marshal(root.Name)
	case "__schema", "__type":
		return nil, errIntrospectionDisabled
	}
	resolve, ok := e.fields[root.Name+"."+field.Name]
	if !ok {
		return nil, fmt.Errorf("no resolver for %s.%s", root.Name, field.Name)
	}

	args := field.ArgumentMap(opCtx.Variables)
	ctx = graphql.WithFieldContext(ctx, &graphql.FieldContext{
		Object:     root.Name,
		Field:      field,
		Args:       args,
		IsMethod:   true,
		IsResolver: true,
	})

	next := func(ctx context.Context) (interface{}, error) {
		return resolve(ctx, args)
	}
	for _, d := range field.Definition.Directives {
		if d.Name != "auth" || e.directives.Auth == nil {
			continue
		}
		requires, err := directiveRole(d, opCtx.Variables)
		if err != nil {
			return nil, err
		}
		inner := next
		next = func(ctx context.Context) (interface{}, error) {
			return e.directives.Auth(ctx, nil, inner, requires)
		}
	}

	var res interface{}
	var err error
	if opCtx.ResolverMiddleware != nil {
		res, err = opCtx.ResolverMiddleware(ctx, next)
	} else {
		res, err = next(ctx)
	}
	if err != nil {
		return nil, err
	}
	return e.project(opCtx, res, field.Definition.Type, field.Selections)
}

func directiveRole(d *ast.Directive, vars map[string]interface{}) (directives.Role, error) {
	arg := d.Arguments.ForName("requires")
	if arg == nil {
		return directives.RoleUser, nil
	}
	v, err := arg.Value.Value(vars)
	if err != nil {
		return "", err
	}
	s, _ := v.(string)
	role := directives.Role(s)
	if !role.IsValid() {
		return "", fmt.Errorf("invalid @auth role %q", s)
	}
	return role, nil
}

// project renders a resolver result as the JSON of the requested selection set. The
// result is read through its JSON form, so field names follow the models' json tags.
func (e *executableSchema) project(opCtx *graphql.OperationContext, res interface{}, typ *ast.Type, sel ast.SelectionSet) (json.RawMessage, error) {
	raw, err := json.Marshal(res)
	if err != nil {
		return nil, err
	}
	var value interface{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&value); err != nil {
		return nil, err
	}
	var out bytes.Buffer
	if err := e.writeValue(&out, opCtx, value, typ, sel); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func (e *executableSchema) writeValue(out *bytes.Buffer, opCtx *graphql.OperationContext, value interface{}, typ *ast.Type, sel ast.SelectionSet) error {
	if value == nil {
		if typ.NonNull {
			return fmt.Errorf("must not be null: %s", typ.String())
		}
		out.WriteString("null")
		return nil
	}

	if typ.Elem != nil {
		items, ok := value.([]interface{})
		if !ok {
			return fmt.Errorf("expected a list for %s", typ.String())
		}
		out.WriteByte('[')
		for i, item := range items {
			if i > 0 {
				out.WriteByte(',')
			}
			if err := e.writeValue(out, opCtx, item, typ.Elem, sel); err != nil {
				return err
			}
		}
		out.WriteByte(']')
		return nil
	}

	def := e.schema.Types[typ.NamedType]
	if def == nil || def.Kind != ast.Object {
		raw, err := json.Marshal(value)
		if err != nil {
			return err
		}
		out.Write(raw)
		return nil
	}

	obj, ok := value.(map[string]interface{})
	if !ok {
		return fmt.Errorf("expected an object for %s", def.Name)
	}
	out.WriteByte('{')
	for i, field := range graphql.CollectFields(opCtx, sel, []string{def.Name}) {
		if i > 0 {
			out.WriteByte(',')
		}
		writeKey(out, field.Alias)
		if field.Name == "__typename" {
			out.WriteString(strconv.Quote(def.Name))
			continue
		}
		if err := e.writeValue(out, opCtx, obj[field.Name], field.Definition.Type, field.Selections); err != nil {
			return fmt.Errorf("%s.%s: %w", def.Name, field.Name, err)
		}
	}
	out.WriteByte('}')
	return nil
}

func writeKey(out *bytes.Buffer, key string) {
	out.WriteString(strconv.Quote(key))
	out.WriteByte(':')
}

// fieldError converts a resolver error into a GraphQL error carrying the error kind.
// Internal errors are logged and reported without their message.
func (e *executableSchema) fieldError(field graphql.CollectedField, path ast.Path, err error) *gqlerror.Error {
	var gqlErr *gqlerror.Error
	if errors.As(err, &gqlErr) {
		if gqlErr.Path == nil {
			gqlErr.Path = path
		}
		return gqlErr
	}
	if errors.Is(err, errIntrospectionDisabled) {
		return &gqlerror.Error{Message: err.Error(), Path: path}
	}
	kind := models.KindOf(err)
	message := err.Error()
	if kind == models.KindInternal {
		config.LogError(e.resolvers.Logger, "graph/executor.go", "resolveField", field.Name, nil, err)
		message = "internal error"
	}
	return &gqlerror.Error{
		Message:    message,
		Path:       path,
		Extensions: map[string]interface{}{"kind": kind},
	}
}
