package linutil

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer/stateful"
	"golang.org/x/arch/x86/x86asm"

	"github.com/EpicGamesExt/raddebugger-sub016/pkg/proc"
)

// ProbeArgKind is the interpretation of a probe argument value.
type ProbeArgKind uint8

const (
	ProbeArgUnsigned ProbeArgKind = iota
	ProbeArgSigned
	ProbeArgFloat
)

func (k ProbeArgKind) String() string {
	switch k {
	case ProbeArgSigned:
		return "signed"
	case ProbeArgFloat:
		return "float"
	}
	return "unsigned"
}

// ProbeOperandKind is the addressing form of a probe argument.
type ProbeOperandKind uint8

const (
	ProbeOperandImm ProbeOperandKind = iota
	ProbeOperandReg
	ProbeOperandMem
)

// ProbeArg is one argument of an SDT probe, as described by the
// assembler operand syntax of the probe's argument string:
//
//	[-][size][f]@operand
//
// where operand is $imm, %reg or disp(%base,%index,scale).
type ProbeArg struct {
	Kind ProbeArgKind
	// Size in bytes, 0 if not specified.
	Size int

	Operand ProbeOperandKind
	Imm     int64
	Reg     x86asm.Reg
	Disp    int64
	Base    x86asm.Reg // 0 if absent
	Index   x86asm.Reg // 0 if absent
	Scale   int64
}

func (a ProbeArg) String() string {
	var b strings.Builder
	if a.Kind == ProbeArgSigned {
		b.WriteByte('-')
	}
	if a.Size != 0 {
		b.WriteString(strconv.Itoa(a.Size))
	}
	if a.Kind == ProbeArgFloat {
		b.WriteByte('f')
	}
	b.WriteByte('@')
	switch a.Operand {
	case ProbeOperandImm:
		fmt.Fprintf(&b, "$%d", a.Imm)
	case ProbeOperandReg:
		b.WriteString("%" + registerName(a.Reg))
	case ProbeOperandMem:
		if a.Disp != 0 {
			fmt.Fprintf(&b, "%d", a.Disp)
		}
		b.WriteByte('(')
		if a.Base != 0 {
			b.WriteString("%" + registerName(a.Base))
		}
		if a.Index != 0 {
			fmt.Fprintf(&b, ",%%%s,%d", registerName(a.Index), a.Scale)
		}
		b.WriteByte(')')
	}
	return b.String()
}

var (
	stapLexer = stateful.MustSimple([]stateful.Rule{
		{Name: "Register", Pattern: `%[a-zA-Z][a-zA-Z0-9]*`, Action: nil},
		{Name: "Int", Pattern: `0[xX][0-9a-fA-F]+|[0-9]+`, Action: nil},
		{Name: "Ident", Pattern: `[a-zA-Z_][a-zA-Z0-9_]*`, Action: nil},
		{Name: "Punct", Pattern: `[-+@$(),]`, Action: nil},
		{Name: "Whitespace", Pattern: `[ \t]+`, Action: nil},
	})
	stapParser = participle.MustBuild(&stapArg{},
		participle.Lexer(stapLexer),
		participle.Elide("Whitespace"),
		participle.UseLookahead(4),
	)
)

type stapArg struct {
	Signed  bool         `parser:"@'-'?"`
	Size    string       `parser:"@Int?"`
	Float   bool         `parser:"@'f'?"`
	Operand *stapOperand `parser:"'@' @@"`
}

type stapOperand struct {
	Imm *stapImm `parser:"  '$' @@"`
	Reg string   `parser:"| @Register"`
	Mem *stapMem `parser:"| @@"`
}

type stapImm struct {
	Neg   bool   `parser:"@'-'?"`
	Value string `parser:"@Int"`
}

type stapMem struct {
	Sign  string `parser:"@('+'|'-')?"`
	Disp  string `parser:"@Int?"`
	Base  string `parser:"'(' @Register?"`
	Index string `parser:"( ',' @Register"`
	Scale string `parser:"  ( ',' @Int )? )? ')'"`
}

var probeRegisters = func() map[string]x86asm.Reg {
	m := make(map[string]x86asm.Reg)
	for r := x86asm.AL; r <= x86asm.RIP; r++ {
		m[strings.ToLower(r.String())] = r
	}
	// GNU names of registers that x86asm spells differently
	for i := x86asm.Reg(0); i < 8; i++ {
		m[fmt.Sprintf("r%dd", 8+int(i))] = x86asm.R8L + i
	}
	m["spl"] = x86asm.SPB
	m["bpl"] = x86asm.BPB
	m["sil"] = x86asm.SIB
	m["dil"] = x86asm.DIB
	return m
}()

func registerName(r x86asm.Reg) string {
	if r >= x86asm.R8L && r <= x86asm.R15L {
		return fmt.Sprintf("r%dd", 8+int(r-x86asm.R8L))
	}
	return strings.ToLower(r.String())
}

func lookupRegister(tok string) (x86asm.Reg, error) {
	r, ok := probeRegisters[strings.ToLower(strings.TrimPrefix(tok, "%"))]
	if !ok {
		return 0, fmt.Errorf("unknown register %q", tok)
	}
	return r, nil
}

// SplitProbeArgs splits an argument string into the description of each
// argument. Arguments are separated by spaces, but a memory operand may
// itself contain spaces: a piece without '@' continues the previous
// argument.
func SplitProbeArgs(s string) []string {
	var out []string
	for _, f := range strings.Fields(s) {
		if len(out) > 0 && !strings.Contains(f, "@") {
			out[len(out)-1] += " " + f
			continue
		}
		out = append(out, f)
	}
	return out
}

// ParseProbeArgs parses the argument string of an SDT probe.
func ParseProbeArgs(s string) ([]ProbeArg, error) {
	var args []ProbeArg
	for _, desc := range SplitProbeArgs(s) {
		arg, err := ParseProbeArg(desc)
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
	}
	return args, nil
}

// ParseProbeArg parses the description of a single probe argument.
func ParseProbeArg(s string) (ProbeArg, error) {
	ast := &stapArg{}
	if err := stapParser.ParseString("", s, ast); err != nil {
		return ProbeArg{}, fmt.Errorf("malformed probe argument %q: %w", s, err)
	}
	arg, err := ast.convert()
	if err != nil {
		return ProbeArg{}, fmt.Errorf("malformed probe argument %q: %w", s, err)
	}
	return arg, nil
}

func parseInt(s string) (int64, error) {
	v, err := strconv.ParseUint(s, 0, 64)
	return int64(v), err
}

func (ast *stapArg) convert() (ProbeArg, error) {
	var arg ProbeArg
	if ast.Size != "" {
		sz, err := strconv.Atoi(ast.Size)
		if err != nil {
			return arg, err
		}
		switch sz {
		case 1, 2, 4, 8:
		default:
			return arg, fmt.Errorf("bad size %d", sz)
		}
		arg.Size = sz
	}
	switch {
	case ast.Signed && ast.Float:
		return arg, errors.New("float argument can not be signed")
	case ast.Signed:
		arg.Kind = ProbeArgSigned
	case ast.Float:
		arg.Kind = ProbeArgFloat
		if arg.Size != 4 && arg.Size != 8 {
			return arg, fmt.Errorf("bad float size %d", arg.Size)
		}
	}

	op := ast.Operand
	switch {
	case op.Imm != nil:
		v, err := parseInt(op.Imm.Value)
		if err != nil {
			return arg, err
		}
		if op.Imm.Neg {
			v = -v
		}
		arg.Operand, arg.Imm = ProbeOperandImm, v
	case op.Reg != "":
		r, err := lookupRegister(op.Reg)
		if err != nil {
			return arg, err
		}
		arg.Operand, arg.Reg = ProbeOperandReg, r
	case op.Mem != nil:
		if err := op.Mem.convert(&arg); err != nil {
			return arg, err
		}
	}
	return arg, nil
}

func (m *stapMem) convert(arg *ProbeArg) error {
	arg.Operand = ProbeOperandMem
	if arg.Size == 0 {
		return errors.New("memory operand without size")
	}
	if m.Base == "" && m.Index == "" {
		return errors.New("memory operand without base or index register")
	}
	if m.Disp != "" {
		d, err := parseInt(m.Disp)
		if err != nil {
			return err
		}
		if m.Sign == "-" {
			d = -d
		}
		arg.Disp = d
	} else if m.Sign != "" {
		return errors.New("sign without displacement")
	}
	var err error
	if m.Base != "" {
		if arg.Base, err = lookupRegister(m.Base); err != nil {
			return err
		}
	}
	arg.Scale = 1
	if m.Index != "" {
		if arg.Index, err = lookupRegister(m.Index); err != nil {
			return err
		}
		if m.Scale != "" {
			if arg.Scale, err = parseInt(m.Scale); err != nil {
				return err
			}
			switch arg.Scale {
			case 1, 2, 4, 8:
			default:
				return fmt.Errorf("bad scale %d", arg.Scale)
			}
		}
	}
	return nil
}

// RegisterReader returns the values of general purpose registers,
// *amd64util.RegBlock implements it.
type RegisterReader interface {
	Get(reg x86asm.Reg) (uint64, bool)
}

// Address returns the address read by a memory operand.
func (a ProbeArg) Address(regs RegisterReader) (uint64, error) {
	if a.Operand != ProbeOperandMem {
		return 0, errors.New("not a memory operand")
	}
	addr := uint64(a.Disp)
	if a.Base != 0 {
		v, ok := regs.Get(a.Base)
		if !ok {
			return 0, fmt.Errorf("register %s unavailable", registerName(a.Base))
		}
		addr += v
	}
	if a.Index != 0 {
		v, ok := regs.Get(a.Index)
		if !ok {
			return 0, fmt.Errorf("register %s unavailable", registerName(a.Index))
		}
		addr += v * uint64(a.Scale)
	}
	return addr, nil
}

// Value evaluates the argument. Signed values are sign extended to 64 bits.
// Float values are returned as the bits of a float64.
func (a ProbeArg) Value(regs RegisterReader, mem proc.MemoryReader) (uint64, error) {
	var raw uint64
	switch a.Operand {
	case ProbeOperandImm:
		raw = uint64(a.Imm)
	case ProbeOperandReg:
		v, ok := regs.Get(a.Reg)
		if !ok {
			return 0, fmt.Errorf("register %s unavailable", registerName(a.Reg))
		}
		raw = v
	case ProbeOperandMem:
		addr, err := a.Address(regs)
		if err != nil {
			return 0, err
		}
		raw, err = proc.ReadUintRaw(mem, addr, int64(a.Size), binary.LittleEndian)
		if err != nil {
			return 0, err
		}
	}
	return a.convertValue(raw), nil
}

func (a ProbeArg) convertValue(raw uint64) uint64 {
	size := a.Size
	if size == 0 || size == 8 {
		return raw
	}
	bits := uint(size * 8)
	raw &= 1<<bits - 1
	switch a.Kind {
	case ProbeArgSigned:
		shift := 64 - bits
		return uint64(int64(raw<<shift) >> shift)
	case ProbeArgFloat:
		return math.Float64bits(float64(math.Float32frombits(uint32(raw))))
	}
	return raw
}
