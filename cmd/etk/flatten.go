package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/etkit/etk/internal/cli"
	"github.com/etkit/etk/internal/runtime"
)

type fieldList []string

func (f *fieldList) String() string     { return strings.Join(*f, ",") }
func (f *fieldList) Set(v string) error { *f = append(*f, v); return nil }

func flattenCmd(args []string) error {
	fs := flag.NewFlagSet("flatten", flag.ExitOnError)
	fs.Usage = usageFor("flatten")
	what := fs.String("what", "", "message code: four characters or a number")
	out := fs.String("o", "", "output file (default: hex to stdout)")
	var fields fieldList
	fs.Var(&fields, "field", "name=type:value; type is int32, int64, bool, double, string or raw (hex)")
	_ = fs.Parse(args)

	code, err := parseWhat(*what)
	if err != nil {
		return err
	}
	msg := runtime.NewMessage(code)
	for _, f := range fields {
		if err := addField(msg, f); err != nil {
			return err
		}
	}
	data, err := msg.Flatten()
	if err != nil {
		return err
	}
	if *out == "" {
		fmt.Println(hex.EncodeToString(data))
		return nil
	}
	if err := os.WriteFile(*out, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", *out, err)
	}
	log.Infof("wrote %d bytes to %s", len(data), *out)
	return nil
}

func unflattenCmd(args []string) error {
	if err := cli.ValidateArgs(args, 1, "etk unflatten FILE"); err != nil {
		return err
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read %s: %w", args[0], err)
	}
	if dec, err := hex.DecodeString(strings.TrimSpace(string(data))); err == nil {
		data = dec
	}
	msg, err := runtime.UnflattenMessage(data)
	if err != nil {
		return err
	}
	fmt.Println(msg)
	return nil
}

func parseWhat(s string) (uint32, error) {
	if s == "" {
		return 0, fmt.Errorf("-what is required")
	}
	if n, err := strconv.ParseUint(s, 0, 32); err == nil {
		return uint32(n), nil
	}
	if len(s) != 4 {
		return 0, fmt.Errorf("message code %q is neither a number nor four characters", s)
	}
	return runtime.FourCC(s), nil
}

func addField(msg *runtime.Message, arg string) error {
	name, rest, ok := strings.Cut(arg, "=")
	if !ok {
		return fmt.Errorf("field %q: want name=type:value", arg)
	}
	typ, val, ok := strings.Cut(rest, ":")
	if !ok {
		return fmt.Errorf("field %q: want name=type:value", arg)
	}
	switch typ {
	case "int32":
		n, err := strconv.ParseInt(val, 0, 32)
		if err != nil {
			return fmt.Errorf("field %s: %w", name, err)
		}
		return msg.AddInt32(name, int32(n))
	case "int64":
		n, err := strconv.ParseInt(val, 0, 64)
		if err != nil {
			return fmt.Errorf("field %s: %w", name, err)
		}
		return msg.AddInt64(name, n)
	case "bool":
		b, err := strconv.ParseBool(val)
		if err != nil {
			return fmt.Errorf("field %s: %w", name, err)
		}
		return msg.AddBool(name, b)
	case "double":
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return fmt.Errorf("field %s: %w", name, err)
		}
		return msg.AddDouble(name, f)
	case "string":
		return msg.AddString(name, val)
	case "raw":
		b, err := hex.DecodeString(val)
		if err != nil {
			return fmt.Errorf("field %s: %w", name, err)
		}
		return msg.AddRaw(name, b)
	}
	return fmt.Errorf("field %s: unknown type %q", name, typ)
}
