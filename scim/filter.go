package scim

import (
	"fmt"
	"strconv"
	"strings"
)

// Comparison operators defined by RFC 7644 Section 3.4.2.2.
var compareOperators = []string{"eq", "ne", "co", "sw", "ew", "pr", "gt", "ge", "lt", "le"}

// Expr is a node of a parsed SCIM filter expression.
type Expr interface {
	isExpr()
}

// AttrPath is a parsed attribute path: an optional schema URN prefix plus
// one or more dotted attribute names.
type AttrPath struct {
	URN   string
	Names []string
}

// String reassembles the path in its wire form.
func (p AttrPath) String() string {
	joined := strings.Join(p.Names, ".")
	if p.URN == "" {
		return joined
	}
	return p.URN + ":" + joined
}

// Segments flattens the path for store predicates: the URN, when present,
// is the payload key the extension object lives under.
func (p AttrPath) Segments() []string {
	if p.URN == "" {
		return p.Names
	}
	return append([]string{p.URN}, p.Names...)
}

// CompareExpr compares one attribute path against a literal.
type CompareExpr struct {
	Path  AttrPath
	Op    string
	Value any
}

// LogicalExpr combines two expressions with and/or.
type LogicalExpr struct {
	Op    string
	Left  Expr
	Right Expr
}

// NotExpr negates an expression.
type NotExpr struct {
	Expr Expr
}

// ValuePathExpr matches a multi-valued attribute whose elements satisfy a
// sub-filter, e.g. emails[type eq "work"].
type ValuePathExpr struct {
	Path AttrPath
	Sub  Expr
}

func (*CompareExpr) isExpr()   {}
func (*LogicalExpr) isExpr()   {}
func (*NotExpr) isExpr()       {}
func (*ValuePathExpr) isExpr() {}

// ParseFilter parses a SCIM filter expression. Failures surface as
// invalidFilter so the caller can hand them straight to the encoder.
func ParseFilter(filter string) (Expr, error) {
	expr, err := NewFilterParser(filter).Parse()
	if err != nil {
		return nil, ErrInvalidFilter(err.Error())
	}
	return expr, nil
}

// FilterParser parses SCIM filter expressions. Parsing is pure: a parser
// holds no state beyond its cursor and may be re-run on fresh input.
type FilterParser struct {
	input string
	pos   int
}

// NewFilterParser creates a new filter parser.
func NewFilterParser(filter string) *FilterParser {
	return &FilterParser{
		input: strings.TrimSpace(filter),
		pos:   0,
	}
}

// Parse parses the filter expression.
func (p *FilterParser) Parse() (Expr, error) {
	if p.input == "" {
		return nil, nil
	}
	expr, err := p.parseLogicalOr()
	if err != nil {
		return nil, err
	}
	p.skipWhitespace()
	if p.pos < len(p.input) {
		return nil, fmt.Errorf("unexpected input at position %d: %q", p.pos, p.input[p.pos:])
	}
	return expr, nil
}

// parseLogicalOr parses OR expressions.
func (p *FilterParser) parseLogicalOr() (Expr, error) {
	left, err := p.parseLogicalAnd()
	if err != nil {
		return nil, err
	}

	for {
		p.skipWhitespace()
		if !p.matchKeyword("or") {
			break
		}
		p.pos += 2
		p.skipWhitespace()

		right, err := p.parseLogicalAnd()
		if err != nil {
			return nil, err
		}

		left = &LogicalExpr{Op: "or", Left: left, Right: right}
	}

	return left, nil
}

// parseLogicalAnd parses AND expressions.
func (p *FilterParser) parseLogicalAnd() (Expr, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}

	for {
		p.skipWhitespace()
		if !p.matchKeyword("and") {
			break
		}
		p.pos += 3
		p.skipWhitespace()

		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}

		left = &LogicalExpr{Op: "and", Left: left, Right: right}
	}

	return left, nil
}

// parseNot parses NOT expressions.
func (p *FilterParser) parseNot() (Expr, error) {
	p.skipWhitespace()
	if p.matchKeyword("not") {
		p.pos += 3
		p.skipWhitespace()

		expr, err := p.parsePrimary()
		if err != nil {
			return nil, err
		}

		return &NotExpr{Expr: expr}, nil
	}

	return p.parsePrimary()
}

// parsePrimary parses grouped expressions, value paths, and attribute
// comparisons.
func (p *FilterParser) parsePrimary() (Expr, error) {
	p.skipWhitespace()

	if p.peek() == '(' {
		p.pos++
		expr, err := p.parseLogicalOr()
		if err != nil {
			return nil, err
		}
		p.skipWhitespace()
		if p.peek() != ')' {
			return nil, fmt.Errorf("expected ')' at position %d", p.pos)
		}
		p.pos++
		return expr, nil
	}

	return p.parseAttributeExpression()
}

// parseAttributeExpression parses either a value path term or a plain
// attribute comparison.
func (p *FilterParser) parseAttributeExpression() (Expr, error) {
	p.skipWhitespace()

	raw := p.scanAttrPath()
	if raw == "" {
		return nil, fmt.Errorf("expected attribute path at position %d", p.pos)
	}

	path, err := ParseAttrPath(raw)
	if err != nil {
		return nil, err
	}

	// Value path: attr[subFilter]
	if p.peek() == '[' {
		sub, err := p.scanBracket()
		if err != nil {
			return nil, err
		}
		subExpr, err := NewFilterParser(sub).Parse()
		if err != nil {
			return nil, fmt.Errorf("invalid value filter %q: %v", sub, err)
		}
		if subExpr == nil {
			return nil, fmt.Errorf("empty value filter at position %d", p.pos)
		}
		if p.peek() == '.' {
			return nil, fmt.Errorf("sub-attribute after value filter is not valid in a filter expression (position %d)", p.pos)
		}
		return &ValuePathExpr{Path: path, Sub: subExpr}, nil
	}

	p.skipWhitespace()

	op := p.parseOperator()
	if op == "" {
		return nil, fmt.Errorf("expected operator at position %d", p.pos)
	}

	p.skipWhitespace()

	var value any
	// pr (present) takes no value.
	if op != "pr" {
		var err error
		value, err = p.parseValue()
		if err != nil {
			return nil, err
		}
	}

	return &CompareExpr{Path: path, Op: op, Value: value}, nil
}

// scanAttrPath consumes an attribute path token. URN prefixes keep their
// colons; the token ends at whitespace, a bracket, or a parenthesis.
func (p *FilterParser) scanAttrPath() string {
	start := p.pos
	for p.pos < len(p.input) {
		ch := p.input[p.pos]
		if isAlphaNumeric(ch) || ch == '.' || ch == ':' || ch == '-' || ch == '$' {
			p.pos++
			continue
		}
		break
	}
	return p.input[start:p.pos]
}

// scanBracket consumes a bracketed sub-filter, honoring quoted strings so
// a ']' inside a literal does not end the scan.
func (p *FilterParser) scanBracket() (string, error) {
	if p.peek() != '[' {
		return "", fmt.Errorf("expected '[' at position %d", p.pos)
	}
	p.pos++
	start := p.pos
	inString := false
	for p.pos < len(p.input) {
		ch := p.input[p.pos]
		switch {
		case ch == '\\' && inString:
			p.pos++
		case ch == '"':
			inString = !inString
		case ch == ']' && !inString:
			content := p.input[start:p.pos]
			p.pos++
			return content, nil
		}
		p.pos++
	}
	return "", fmt.Errorf("unterminated '[' at position %d", start-1)
}

// parseOperator parses a comparison operator.
func (p *FilterParser) parseOperator() string {
	p.skipWhitespace()
	for _, op := range compareOperators {
		if p.matchKeyword(op) {
			p.pos += len(op)
			return op
		}
	}
	return ""
}

// parseValue parses a value literal (string, number, boolean, null).
func (p *FilterParser) parseValue() (any, error) {
	p.skipWhitespace()

	if p.pos >= len(p.input) {
		return nil, fmt.Errorf("expected value at position %d", p.pos)
	}

	if p.peek() == '"' {
		return p.parseString()
	}

	if p.matchKeyword("true") {
		p.pos += 4
		return true, nil
	}
	if p.matchKeyword("false") {
		p.pos += 5
		return false, nil
	}
	if p.matchKeyword("null") {
		p.pos += 4
		return nil, nil
	}

	start := p.pos
	for p.pos < len(p.input) && (isDigit(p.input[p.pos]) || p.input[p.pos] == '.' || p.input[p.pos] == '-') {
		p.pos++
	}
	if p.pos > start {
		numStr := p.input[start:p.pos]
		if strings.Contains(numStr, ".") {
			return strconv.ParseFloat(numStr, 64)
		}
		n, err := strconv.ParseInt(numStr, 10, 64)
		if err != nil {
			return nil, err
		}
		// JSON numbers land as float64; literals do the same so the
		// evaluator compares like with like.
		return float64(n), nil
	}

	return nil, fmt.Errorf("invalid value at position %d", p.pos)
}

// parseString parses a double-quoted literal with backslash escapes.
func (p *FilterParser) parseString() (string, error) {
	start := p.pos
	p.pos++
	var sb strings.Builder
	for p.pos < len(p.input) {
		ch := p.input[p.pos]
		switch ch {
		case '\\':
			if p.pos+1 >= len(p.input) {
				return "", fmt.Errorf("unterminated escape at position %d", p.pos)
			}
			p.pos++
			next := p.input[p.pos]
			switch next {
			case '"', '\\', '/':
				sb.WriteByte(next)
			case 'n':
				sb.WriteByte('\n')
			case 't':
				sb.WriteByte('\t')
			default:
				sb.WriteByte(next)
			}
		case '"':
			p.pos++
			return sb.String(), nil
		default:
			sb.WriteByte(ch)
		}
		p.pos++
	}
	return "", fmt.Errorf("unterminated string at position %d", start)
}

// ParseAttrPath splits an attribute path into its URN prefix and dotted
// names. URNs keep every colon except the one separating the attribute
// part: urn:...:2.0:User:name.familyName has URN urn:...:2.0:User and
// names [name, familyName].
func ParseAttrPath(raw string) (AttrPath, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return AttrPath{}, fmt.Errorf("empty attribute path")
	}

	var path AttrPath
	rest := raw
	if strings.HasPrefix(strings.ToLower(raw), "urn:") {
		idx := strings.LastIndex(raw, ":")
		if idx == len(raw)-1 {
			return AttrPath{}, fmt.Errorf("attribute path %q ends with ':'", raw)
		}
		path.URN = raw[:idx]
		rest = raw[idx+1:]
	}

	for _, name := range strings.Split(rest, ".") {
		if name == "" {
			return AttrPath{}, fmt.Errorf("attribute path %q has an empty segment", raw)
		}
		if !isAttrName(name) {
			return AttrPath{}, fmt.Errorf("invalid attribute name %q", name)
		}
		path.Names = append(path.Names, name)
	}

	return path, nil
}

func isAttrName(name string) bool {
	for i := 0; i < len(name); i++ {
		ch := name[i]
		if i == 0 && ch == '$' {
			continue
		}
		if !isAlphaNumeric(ch) && ch != '-' {
			return false
		}
	}
	return true
}

// Helper functions

func (p *FilterParser) peek() byte {
	if p.pos >= len(p.input) {
		return 0
	}
	return p.input[p.pos]
}

func (p *FilterParser) skipWhitespace() {
	for p.pos < len(p.input) && (p.input[p.pos] == ' ' || p.input[p.pos] == '\t' || p.input[p.pos] == '\n') {
		p.pos++
	}
}

func (p *FilterParser) matchKeyword(keyword string) bool {
	if p.pos+len(keyword) > len(p.input) {
		return false
	}
	match := strings.EqualFold(p.input[p.pos:p.pos+len(keyword)], keyword)
	if !match {
		return false
	}
	// Check that the keyword is not part of a larger word.
	if p.pos+len(keyword) < len(p.input) {
		nextChar := p.input[p.pos+len(keyword)]
		if isAlphaNumeric(nextChar) || nextChar == ':' || nextChar == '.' {
			return false
		}
	}
	return true
}

func isAlphaNumeric(ch byte) bool {
	return (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z') || (ch >= '0' && ch <= '9') || ch == '_'
}

func isDigit(ch byte) bool {
	return ch >= '0' && ch <= '9'
}
