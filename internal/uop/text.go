// text.go - trace 的文本格式
//
// 每行一条 uop：
//
//	OPNAME oparg [operand] [@target]
//
// 以 '.' 开头的行是指令，描述代码单元的静态形状：
//
//	.code NAME args=N locals=N stack=N
//	.func VERSION NAME args=N locals=N stack=N
//	.const VALUE      (追加到最近一个 .code/.func)
//	.name IDENT       (同上)
//
// '#' 之后为注释。

package uop

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Program 解析结果
type Program struct {
	Code      *CodeUnit
	Functions *FunctionTable
	Trace     Trace
}

// ParseError 带行号的解析错误
type ParseError struct {
	Line int
	Msg  string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("line %d: %s", e.Line, e.Msg)
}

// ParseTraceString 解析字符串形式的 trace
func ParseTraceString(src string) (*Program, error) {
	return ParseTrace(strings.NewReader(src))
}

// ParseTrace 解析文本 trace
func ParseTrace(r io.Reader) (*Program, error) {
	prog := &Program{Functions: NewFunctionTable()}
	var current *CodeUnit
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := sc.Text()
		if i := strings.IndexByte(text, '#'); i >= 0 && !strings.Contains(text[:i], "\"") {
			text = text[:i]
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		perr := func(format string, args ...interface{}) error {
			return &ParseError{Line: line, Msg: fmt.Sprintf(format, args...)}
		}

		if strings.HasPrefix(text, ".") {
			fields := strings.Fields(text)
			switch fields[0] {
			case ".code":
				if len(fields) < 2 {
					return nil, perr(".code needs a name")
				}
				cu, err := parseShape(fields[1], fields[2:])
				if err != nil {
					return nil, perr("%v", err)
				}
				prog.Code, current = cu, cu
			case ".func":
				if len(fields) < 3 {
					return nil, perr(".func needs a version and a name")
				}
				ver, err := strconv.ParseUint(fields[1], 0, 32)
				if err != nil || ver == 0 {
					return nil, perr("bad function version %q", fields[1])
				}
				cu, err := parseShape(fields[2], fields[3:])
				if err != nil {
					return nil, perr("%v", err)
				}
				prog.Functions.Register(&Function{Name: fields[2], Version: uint32(ver), Code: cu})
				current = cu
			case ".const":
				if current == nil {
					return nil, perr(".const before .code")
				}
				v, err := ParseValue(strings.TrimSpace(strings.TrimPrefix(text, ".const")))
				if err != nil {
					return nil, perr("%v", err)
				}
				current.Consts = append(current.Consts, v)
			case ".name":
				if current == nil || len(fields) != 2 {
					return nil, perr(".name needs one identifier after .code")
				}
				current.Names = append(current.Names, fields[1])
			default:
				return nil, perr("unknown directive %s", fields[0])
			}
			continue
		}

		u, err := ParseMicroOp(text)
		if err != nil {
			return nil, perr("%v", err)
		}
		prog.Trace = append(prog.Trace, u)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read trace: %w", err)
	}
	if prog.Code == nil {
		prog.Code = &CodeUnit{Name: "<trace>", StackSize: 16}
	}
	return prog, nil
}

func parseShape(name string, attrs []string) (*CodeUnit, error) {
	cu := &CodeUnit{Name: name}
	for _, a := range attrs {
		k, v, ok := strings.Cut(a, "=")
		if !ok {
			return nil, fmt.Errorf("expected key=value, got %q", a)
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("bad %s value %q", k, v)
		}
		switch k {
		case "args":
			cu.ArgCount = n
		case "locals":
			cu.LocalCount = n
		case "stack":
			cu.StackSize = n
		default:
			return nil, fmt.Errorf("unknown attribute %q", k)
		}
	}
	if cu.LocalCount < cu.ArgCount {
		cu.LocalCount = cu.ArgCount
	}
	return cu, cu.Validate()
}

// ParseMicroOp 解析一条 uop
func ParseMicroOp(text string) (MicroOp, error) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return MicroOp{}, fmt.Errorf("empty instruction")
	}
	op, ok := OpcodeByName(strings.ToUpper(fields[0]))
	if !ok {
		return MicroOp{}, fmt.Errorf("unknown opcode %q", fields[0])
	}
	u := MicroOp{Opcode: op}
	positional := 0
	for _, f := range fields[1:] {
		if strings.HasPrefix(f, "@") {
			t, err := strconv.ParseInt(f[1:], 0, 32)
			if err != nil {
				return MicroOp{}, fmt.Errorf("bad target %q", f)
			}
			u.Target = int32(t)
			continue
		}
		switch positional {
		case 0:
			n, err := strconv.ParseInt(f, 0, 32)
			if err != nil {
				return MicroOp{}, fmt.Errorf("bad oparg %q", f)
			}
			u.Oparg = int32(n)
		case 1:
			n, err := strconv.ParseUint(f, 0, 64)
			if err != nil {
				return MicroOp{}, fmt.Errorf("bad operand %q", f)
			}
			u.Operand = n
		default:
			return MicroOp{}, fmt.Errorf("too many operands")
		}
		positional++
	}
	return u, nil
}

// ParseValue 解析常量字面量
func ParseValue(text string) (Value, error) {
	switch text {
	case "None":
		return NoneValue, nil
	case "True":
		return TrueValue, nil
	case "False":
		return FalseValue, nil
	case "NULL":
		return NullValue, nil
	}
	if strings.HasPrefix(text, "\"") {
		s, err := strconv.Unquote(text)
		if err != nil {
			return NullValue, fmt.Errorf("bad string literal %s", text)
		}
		return NewStr(s), nil
	}
	if n, err := strconv.ParseInt(text, 0, 64); err == nil {
		return NewInt(n), nil
	}
	if f, err := strconv.ParseFloat(text, 64); err == nil {
		return NewFloat(f), nil
	}
	return NullValue, fmt.Errorf("bad constant %q", text)
}

// FormatTrace 输出可被 ParseTrace 读回的文本
func FormatTrace(w io.Writer, t Trace) error {
	for _, u := range t {
		if _, err := fmt.Fprintln(w, u.String()); err != nil {
			return err
		}
	}
	return nil
}
