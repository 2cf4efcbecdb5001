package handlers

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"syscall"

	"github.com/mitchellh/mapstructure"
)

// Mode is a permission string in octal notation ("0644"). Integer inputs from YAML
// or JSON are taken as the numeric mode value and rendered in octal; integers above
// 07777, or above 0777 with only octal digits, are rejected.
type Mode string

// Perm parses the mode. ok is false when no mode was given.
func (m Mode) Perm() (perm os.FileMode, ok bool, err error) {
	s := strings.TrimSpace(string(m))
	if s == "" {
		return 0, false, nil
	}
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0o"), "0O")
	v, err := strconv.ParseUint(s, 8, 32)
	if err != nil {
		return 0, false, fmt.Errorf("invalid mode %q: %w", string(m), err)
	}
	if v > 0o7777 {
		return 0, false, fmt.Errorf("invalid mode %q: out of range", string(m))
	}
	return fileModeFromUnix(uint32(v)), true, nil
}

// fileModeFromUnix converts permission and special bits from their unix values.
func fileModeFromUnix(v uint32) os.FileMode {
	mode := os.FileMode(v & 0o777)
	if v&syscall.S_ISUID != 0 {
		mode |= os.ModeSetuid
	}
	if v&syscall.S_ISGID != 0 {
		mode |= os.ModeSetgid
	}
	if v&syscall.S_ISVTX != 0 {
		mode |= os.ModeSticky
	}
	return mode
}

// modeHook lets mode fields accept integers as well as octal strings.
func modeHook(from, to reflect.Type, data any) (any, error) {
	if to != reflect.TypeOf(Mode("")) {
		return data, nil
	}
	switch from.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return intMode(reflect.ValueOf(data).Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		v := reflect.ValueOf(data).Uint()
		if v > 0o7777 {
			return nil, fmt.Errorf("invalid mode %d: out of range", v)
		}
		return intMode(int64(v))
	case reflect.Float32, reflect.Float64:
		f := reflect.ValueOf(data).Float()
		if f != float64(int64(f)) {
			return nil, fmt.Errorf("mode %v is not an integer", f)
		}
		return intMode(int64(f))
	}
	return data, nil
}

// intMode renders a numeric mode in octal. Values above 0777 written with octal
// digits only (644, 755) are rejected: they are almost always an unquoted octal
// string read as decimal.
func intMode(v int64) (Mode, error) {
	if v < 0 || v > 0o7777 {
		return "", fmt.Errorf("invalid mode %d: out of range", v)
	}
	if dec := strconv.FormatInt(v, 10); v > 0o777 && strings.Trim(dec, "01234567") == "" {
		return "", fmt.Errorf("ambiguous mode %d: quote octal modes, e.g. \"0%s\"", v, dec)
	}
	return Mode(fmt.Sprintf("%04o", v)), nil
}

// decodeParams decodes job params into target.
func decodeParams(params map[string]any, target any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       modeHook,
		WeaklyTypedInput: true,
		Result:           target,
		TagName:          "mapstructure",
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(params); err != nil {
		return fmt.Errorf("invalid params: %w", err)
	}
	return nil
}

// Ensure is the desired presence of a target.
type Ensure string

const (
	EnsurePresent Ensure = "present"
	EnsureAbsent  Ensure = "absent"
)

func (e Ensure) normalize() (Ensure, error) {
	switch strings.ToLower(strings.TrimSpace(string(e))) {
	case "", "present":
		return EnsurePresent, nil
	case "absent":
		return EnsureAbsent, nil
	default:
		return "", fmt.Errorf("invalid ensure %q: want present or absent", string(e))
	}
}

// targetParams are shared by the file and directory handlers.
type targetParams struct {
	Path   string `mapstructure:"path"`
	Mode   Mode   `mapstructure:"mode"`
	Owner  string `mapstructure:"owner"`
	Group  string `mapstructure:"group"`
	Ensure Ensure `mapstructure:"ensure"`
}

func (p *targetParams) validate() error {
	if p.Path == "" {
		return fmt.Errorf("path is required")
	}
	if !filepath.IsAbs(p.Path) {
		return fmt.Errorf("path %q must be absolute", p.Path)
	}
	p.Path = filepath.Clean(p.Path)
	ensure, err := p.Ensure.normalize()
	if err != nil {
		return err
	}
	p.Ensure = ensure
	if _, _, err := p.Mode.Perm(); err != nil {
		return err
	}
	return nil
}

// ownership resolves owner and group to numeric ids; -1 means unspecified.
func (p *targetParams) ownership() (uid, gid int, err error) {
	uid, gid = -1, -1
	if p.Owner != "" {
		if uid, err = lookupUID(p.Owner); err != nil {
			return -1, -1, err
		}
	}
	if p.Group != "" {
		if gid, err = lookupGID(p.Group); err != nil {
			return -1, -1, err
		}
	}
	return uid, gid, nil
}

func lookupUID(name string) (int, error) {
	if id, err := strconv.Atoi(name); err == nil {
		return id, nil
	}
	u, err := user.Lookup(name)
	if err != nil {
		return -1, fmt.Errorf("unknown owner %q: %w", name, err)
	}
	return strconv.Atoi(u.Uid)
}

func lookupGID(name string) (int, error) {
	if id, err := strconv.Atoi(name); err == nil {
		return id, nil
	}
	g, err := user.LookupGroup(name)
	if err != nil {
		return -1, fmt.Errorf("unknown group %q: %w", name, err)
	}
	return strconv.Atoi(g.Gid)
}

// statOwner returns the uid and gid of info.
func statOwner(info os.FileInfo) (uid, gid int, ok bool) {
	if stat, ok := info.Sys().(*syscall.Stat_t); ok {
		return int(stat.Uid), int(stat.Gid), true
	}
	return -1, -1, false
}

// attributeActions plans permission and ownership fixes for an existing target.
func attributeActions(info os.FileInfo, perm os.FileMode, hasPerm bool, uid, gid int) []string {
	var actions []string
	if hasPerm && info.Mode()&(os.ModePerm|os.ModeSetuid|os.ModeSetgid|os.ModeSticky) != perm {
		actions = append(actions, ActionFixPermissions)
	}
	if uid >= 0 || gid >= 0 {
		curUID, curGID, ok := statOwner(info)
		if ok && ((uid >= 0 && uid != curUID) || (gid >= 0 && gid != curGID)) {
			actions = append(actions, ActionFixOwnership)
		}
	}
	return actions
}

// applyAttributes sets mode and ownership on path.
func applyAttributes(path string, perm os.FileMode, hasPerm bool, uid, gid int) error {
	if hasPerm {
		if err := os.Chmod(path, perm); err != nil {
			return fmt.Errorf("failed to set mode: %w", err)
		}
	}
	if uid >= 0 || gid >= 0 {
		if err := os.Lchown(path, uid, gid); err != nil {
			return fmt.Errorf("failed to set ownership: %w", err)
		}
	}
	return nil
}

// Plan step names reported in ExecutionResult.Actions.
const (
	ActionCreate         = "create"
	ActionUpdateContent  = "update-content"
	ActionFixPermissions = "fix-permissions"
	ActionFixOwnership   = "fix-ownership"
	ActionRemove         = "remove"
)
