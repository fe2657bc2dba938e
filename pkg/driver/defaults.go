package driver

import (
	truevfs "github.com/valenpo/truevfs/pkg"
)

// odfExtensions is the OpenDocument family.
var odfExtensions = []string{
	"odt", "ott", "odg", "otg", "odp", "otp", "ods", "ots",
	"odc", "otc", "odi", "oti", "odf", "otf", "odm", "oth", "odb",
}

// Register installs the default driver table: scheme and extension
// bindings for every supported archive format.
func Register(registry *truevfs.Registry, keys KeyProvider) {
	registry.Register(NewZipDriver(), "zip")
	registry.Register(NewJarDriver(), "jar", "war", "ear")
	registry.Register(NewOdfDriver(), odfExtensions...)
	registry.Register(NewExeDriver(), "exe")
	registry.Register(NewTarDriver(), "tar")
	registry.Register(NewTarGzDriver(), "tgz", "tar.gz")
	registry.Register(NewTarBzip2Driver(), "tbz", "tb2", "tar.bz2")
	registry.Register(NewTarXzDriver(), "tar.xz")
	registry.Register(NewZipRaesDriver(keys), "tzp")
}
