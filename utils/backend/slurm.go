package backend

import (
	"fmt"

	"github.com/caracal-pipeline/stimela/utils/ordered"
)

// slurmWrapper prefixes run commands with srun, turning a local invocation
// into a batch submission
type slurmWrapper struct {
	srunPath string
	// extra srun options, from opts.backend.slurm.srun_opts
	srunOpts []string
}

// NewSlurmWrapper builds the slurm wrapper from its options subtree
func NewSlurmWrapper(opts *ordered.Map) Wrapper {
	w := &slurmWrapper{srunPath: "srun"}
	if opts != nil {
		if path, ok := opts.GetString("srun_path"); ok {
			w.srunPath = path
		}
		if srunOpts := opts.GetMap("srun_opts"); srunOpts != nil {
			for _, key := range srunOpts.Keys() {
				w.srunOpts = append(w.srunOpts, fmt.Sprintf("--%s", key),
					fmt.Sprintf("%v", srunOpts.Get(key)))
			}
		}
	}
	return w
}

func (w *slurmWrapper) Name() string { return "slurm" }

func (w *slurmWrapper) WrapRunCommand(args, logArgs []string, fqname string) ([]string, []string) {
	prefix := append([]string{w.srunPath, "--job-name", fqname}, w.srunOpts...)
	return append(append([]string{}, prefix...), args...),
		append(append([]string{}, prefix...), logArgs...)
}

func (w *slurmWrapper) WrapBuildCommand(args []string, fqname string) ([]string, []string) {
	// builds run on the submission host
	return args, args
}
