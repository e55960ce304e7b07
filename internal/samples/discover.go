package samples

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// DefaultPairPattern matches <sample>_1.fastq[.gz] and <sample>_2.fastq[.gz].
// The first group is the sample name, the second the mate number.
const DefaultPairPattern = `^([A-Za-z0-9_\-]+)_([12])\.fastq(?:\.gz)?$`

var singleEnd = regexp.MustCompile(`^(.+?)\.f(?:ast)?q(?:\.gz)?$`)

// Discover walks dir and groups FASTQ files into samples. Files matching
// pattern are paired by their first group; other FASTQ files become
// single-end samples named after the file.
func Discover(dir string, pattern *regexp.Regexp) ([]Sample, error) {
	if pattern == nil {
		pattern = regexp.MustCompile(DefaultPairPattern)
	}
	if pattern.NumSubexp() < 2 {
		return nil, fmt.Errorf("pair pattern %q needs a sample group and a mate group", pattern)
	}

	mates := make(map[string]map[string]string)
	singles := make(map[string]string)

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}

		name := d.Name()
		if m := pattern.FindStringSubmatch(name); m != nil {
			if mates[m[1]] == nil {
				mates[m[1]] = make(map[string]string)
			}
			mates[m[1]][m[2]] = path
			return nil
		}
		if m := singleEnd.FindStringSubmatch(name); m != nil {
			singles[m[1]] = path
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	var out []Sample
	for id, pair := range mates {
		keys := make([]string, 0, len(pair))
		for k := range pair {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		smp := Sample{ID: id, Layout: LayoutSingle}
		for _, k := range keys {
			smp.Reads = append(smp.Reads, pair[k])
		}
		if len(smp.Reads) == 2 {
			smp.Layout = LayoutPaired
		}
		out = append(out, smp)
	}
	for id, path := range singles {
		if _, ok := mates[id]; ok {
			continue
		}
		out = append(out, Sample{ID: id, Layout: LayoutSingle, Reads: []string{path}})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// IsFASTQ reports whether name looks like a FASTQ file
func IsFASTQ(name string) bool {
	return singleEnd.MatchString(filepath.Base(name))
}
