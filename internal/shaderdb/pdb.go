package shaderdb

import "os"

// DefaultPDBDir is the directory a shader database dumps compiler PDBs to
// when none is configured (spec.md 6: "default .shader_pdb/").
const DefaultPDBDir = ".shader_pdb"

// defaultPreparePdbDir lazily creates the PDB dump directory on first use,
// matching BaseShaderDb::preparePdbDir's "create once, remember" behavior.
func defaultPreparePdbDir(dir string) error {
	return os.MkdirAll(dir, 0o755)
}
